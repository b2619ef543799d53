// Package node wires the bridge together: transport, registry, config
// store, routing, sinks, controller, and the control server.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/robolink/bridge-server/internal/bus"
	"github.com/robolink/bridge-server/internal/config"
	"github.com/robolink/bridge-server/internal/confstore"
	"github.com/robolink/bridge-server/internal/controller"
	"github.com/robolink/bridge-server/internal/registry"
	"github.com/robolink/bridge-server/internal/routing"
	"github.com/robolink/bridge-server/internal/server"
	"github.com/robolink/bridge-server/internal/sink"
	"github.com/robolink/bridge-server/internal/storage"
)

var log = logging.Logger("bridge-node")

// Node is the running bridge process.
type Node struct {
	config     *config.Config
	transport  bus.Transport
	registry   *registry.Registry
	store      *confstore.Store
	transforms *routing.Transforms
	engine     *routing.Engine
	controller *controller.Controller
	server     *server.Server
	recordLog  *storage.RecordLog
	fileSink   *sink.FileSink

	viewerMu      sync.Mutex
	viewerSinks   map[string]*sink.ViewerSink
	viewerCloser  map[string]func() error
	viewerCounter int

	dialRetry time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node over the given transport. The transport is owned
// by the caller only until New returns; Stop closes it.
func New(ctx context.Context, cfg *config.Config, transport bus.Transport) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config:       cfg,
		transport:    transport,
		viewerSinks:  make(map[string]*sink.ViewerSink),
		viewerCloser: make(map[string]func() error),
		ctx:          nodeCtx,
		cancel:       cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		return nil, err
	}

	return n, nil
}

// NewP2P builds a node with the gossipsub transport from the config.
func NewP2P(ctx context.Context, cfg *config.Config) (*Node, error) {
	transport, err := bus.NewP2PTransport(ctx, bus.P2PConfig{
		Listen:    cfg.Network.Listen,
		Bootstrap: cfg.Network.Bootstrap,
		MaxConns:  cfg.Network.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bus transport: %w", err)
	}

	n, err := New(ctx, cfg, transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	interval, err := n.config.DiscoveryInterval()
	if err != nil {
		return err
	}
	staleAfter, err := n.config.StaleAfter()
	if err != nil {
		return err
	}
	n.dialRetry, err = n.config.DialRetry()
	if err != nil {
		return err
	}

	n.registry = registry.New(n.transport, registry.Options{
		RefreshInterval: interval,
		StaleAfter:      staleAfter,
	})

	n.transforms = routing.NewTransforms()
	n.store = confstore.New(func(topic string, params confstore.TransformParams) error {
		return n.transforms.Validate(params)
	})
	n.engine = routing.NewEngine(n.store, n.transforms)
	n.controller = controller.New(n.transport, n.registry, n.store, n.engine.Deliver, controller.DefaultOptions())
	n.server = server.NewServer(n.config.API.Listen, n.registry, n.store, n.controller, n.engine)

	// Config commits and registry changes both shift the desired
	// subscription set.
	n.store.OnCommit(func(*confstore.Snapshot) { n.controller.Kick() })

	if n.config.Record.Enabled {
		recordLog, err := storage.OpenRecordLog(n.config.Record.Path)
		if err != nil {
			return fmt.Errorf("failed to open record log: %w", err)
		}
		n.recordLog = recordLog
		n.fileSink = sink.NewFileSink(n.config.Record.QueueDepth, n.config.Record.BatchSize, recordLog)
	}

	return nil
}

// Start begins discovery, reconciliation, delivery, and the control
// server.
func (n *Node) Start(ctx context.Context) error {
	// The file sink consumer exists for the process lifetime and gets
	// its selection from the config file.
	if n.fileSink != nil {
		n.engine.AttachSink(n.fileSink)
		version, err := n.store.Propose(sink.FileSinkID, confstore.Mutation{
			Selection: n.config.Record.Topics,
		})
		if err != nil {
			return fmt.Errorf("failed to register file sink consumer: %w", err)
		}
		log.Infof("File sink recording %v to %s (config v%d)", n.config.Record.Topics, n.recordLog.Path(), version)

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.fileSink.Run(n.ctx)
		}()
	}

	diffs, cancelWatch := n.registry.Watch(16)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancelWatch()
		for {
			select {
			case <-n.ctx.Done():
				return
			case _, open := <-diffs:
				if !open {
					return
				}
				n.controller.Kick()
			}
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.registry.Run(n.ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.controller.Run(n.ctx)
	}()

	for _, endpoint := range n.config.Viewer.Endpoints {
		n.wg.Add(1)
		go func(endpoint string) {
			defer n.wg.Done()
			n.runViewerDialer(endpoint)
		}(endpoint)
	}

	if err := n.server.Start(ctx); err != nil {
		return err
	}

	n.controller.Kick()
	return nil
}

// runViewerDialer keeps one configured viewer endpoint connected. Each
// successful connection becomes a fresh session with its own consumer
// identity; a dead session's configuration is discarded.
func (n *Node) runViewerDialer(endpoint string) {
	for {
		if n.ctx.Err() != nil {
			return
		}

		appender, err := sink.DialViewer(endpoint, 10*time.Second)
		if err != nil {
			log.Debugf("Viewer %s unreachable, retrying in %s: %v", endpoint, n.dialRetry, err)
		} else {
			sessionID := n.nextSessionID()
			log.Infof("Viewer session %s connected to %s", sessionID, endpoint)

			done := make(chan struct{})
			vs := sink.NewViewerSink(sessionID, n.config.Viewer.QueueDepth, appender, func(id string) {
				n.DestroyViewerSession(id)
				close(done)
			})
			n.registerViewerSession(sessionID, vs, appender.Close)

			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				vs.Run(n.ctx)
			}()

			select {
			case <-n.ctx.Done():
				return
			case <-done:
				log.Infof("Viewer session %s ended", sessionID)
			}
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(n.dialRetry):
		}
	}
}

func (n *Node) nextSessionID() string {
	n.viewerMu.Lock()
	defer n.viewerMu.Unlock()
	n.viewerCounter++
	return fmt.Sprintf("viewer-%d", n.viewerCounter)
}

func (n *Node) registerViewerSession(id string, vs *sink.ViewerSink, closer func() error) {
	n.viewerMu.Lock()
	n.viewerSinks[id] = vs
	n.viewerCloser[id] = closer
	n.viewerMu.Unlock()

	n.engine.AttachSink(vs)

	// The session starts with an empty selection; the operator (or the
	// viewer itself) configures it through the control server.
	if _, err := n.store.Propose(id, confstore.Mutation{}); err != nil {
		log.Warnf("Failed to seed config for viewer session %s: %v", id, err)
	}
}

// DestroyViewerSession tears a viewer session down: its configuration
// is removed, its sink detached, and its interest released on the next
// reconcile. Safe to call for an unknown or already-destroyed id.
func (n *Node) DestroyViewerSession(id string) {
	n.viewerMu.Lock()
	vs := n.viewerSinks[id]
	closer := n.viewerCloser[id]
	delete(n.viewerSinks, id)
	delete(n.viewerCloser, id)
	n.viewerMu.Unlock()

	if vs == nil {
		return
	}

	vs.Close()
	if closer != nil {
		closer()
	}
	n.engine.DetachSink(id)
	n.store.Remove(id)
	n.controller.Kick()
}

// Stop gracefully shuts the node down.
func (n *Node) Stop() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.server.Stop(stopCtx); err != nil {
		log.Warnf("Control server stop error: %v", err)
	}

	n.cancel()
	n.wg.Wait()

	n.viewerMu.Lock()
	closers := make([]func() error, 0, len(n.viewerCloser))
	for _, closer := range n.viewerCloser {
		closers = append(closers, closer)
	}
	n.viewerSinks = make(map[string]*sink.ViewerSink)
	n.viewerCloser = make(map[string]func() error)
	n.viewerMu.Unlock()
	for _, closer := range closers {
		closer()
	}

	if n.fileSink != nil {
		n.fileSink.Close()
	}
	if n.recordLog != nil {
		if err := n.recordLog.Close(); err != nil {
			log.Warnf("Error closing record log: %v", err)
		}
	}

	if err := n.transport.Close(); err != nil {
		return fmt.Errorf("failed to close bus transport: %w", err)
	}
	return nil
}

// Registry returns the topic registry.
func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// Store returns the consumer configuration store.
func (n *Node) Store() *confstore.Store {
	return n.store
}

// Controller returns the subscription controller.
func (n *Node) Controller() *controller.Controller {
	return n.controller
}

// Engine returns the routing engine.
func (n *Node) Engine() *routing.Engine {
	return n.engine
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}
