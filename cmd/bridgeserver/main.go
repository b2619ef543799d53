// Package main provides the entry point for the bridge server, which
// connects a robot's pub/sub bus to remote visualization consumers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/robolink/bridge-server/internal/config"
	"github.com/robolink/bridge-server/internal/node"
	"github.com/robolink/bridge-server/internal/sink"
	"github.com/robolink/bridge-server/internal/storage"
)

var log = logging.Logger("bridge")

var rootCmd = &cobra.Command{
	Use:   "bridgeserver",
	Short: "Bridge server - stream robot bus topics to remote viewers",
	Long: `bridgeserver subscribes to topics on a robot's pub/sub bus and routes
their records to remote viewer sessions and a local file recorder, with
per-consumer topic selection and transform configuration.`,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the bridge daemon",
	Long:  `Start the bridge daemon: bus discovery, routing, and the control server.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize bridge configuration",
	Long:  `Write a default configuration file and create the data directories.`,
	RunE:  runInit,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a record log",
	Long:  `Print the records of a capture in their original order.`,
	RunE:  runReplay,
}

var (
	configPath string
	listenAddr string
	debug      bool
	replayPath string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override control server listen address")
	replayCmd.Flags().StringVarP(&replayPath, "path", "p", "", "record log directory (defaults to record.path)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if listenAddr != "" {
		cfg.API.Listen = listenAddr
	}

	n, err := node.NewP2P(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Info("Starting bridge daemon...")
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}
	log.Infof("Control API on http://%s/api/topics", cfg.API.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	return n.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	log.Infof("Initialized bridge configuration at %s", path)
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	path := replayPath
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Record.Path
	}

	recordLog, err := storage.OpenRecordLog(path)
	if err != nil {
		return fmt.Errorf("failed to open record log: %w", err)
	}
	defer recordLog.Close()

	count, err := recordLog.Count()
	if err != nil {
		return fmt.Errorf("failed to read record log: %w", err)
	}
	log.Infof("Replaying %d records from %s", count, recordLog.Path())

	var n int64
	err = recordLog.Replay(cmd.Context(), func(rec sink.Record) error {
		n++
		fmt.Printf("%s  %-40s  %-24s  %d bytes\n",
			rec.CapturedAt.Format(time.RFC3339Nano), rec.Topic, rec.SchemaID, len(rec.Payload))
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay stopped after %d records: %w", n, err)
	}
	return nil
}
