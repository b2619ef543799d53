// Package config provides configuration management for the bridge server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the bridge server configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Record    RecordConfig    `yaml:"record"`
}

// APIConfig contains control server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// NetworkConfig contains bus transport settings.
type NetworkConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
}

// DiscoveryConfig contains topic discovery settings.
type DiscoveryConfig struct {
	Interval   string `yaml:"interval"`
	StaleAfter string `yaml:"stale_after"`
}

// ViewerConfig contains viewer session settings.
type ViewerConfig struct {
	Endpoints  []string `yaml:"endpoints"`
	QueueDepth int      `yaml:"queue_depth"`
	DialRetry  string   `yaml:"dial_retry"`
}

// RecordConfig contains file sink settings.
type RecordConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Path       string   `yaml:"path"`
	Topics     []string `yaml:"topics"`
	QueueDepth int      `yaml:"queue_depth"`
	BatchSize  int      `yaml:"batch_size"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".bridge-server", "data")

	return &Config{
		API: APIConfig{
			Listen: "127.0.0.1:9888",
		},
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/tcp/8080/ws",
			},
			Bootstrap: []string{},
			MaxConns:  256,
		},
		Discovery: DiscoveryConfig{
			Interval:   "1s",
			StaleAfter: "10s",
		},
		Viewer: ViewerConfig{
			Endpoints:  []string{},
			QueueDepth: 1024,
			DialRetry:  "5s",
		},
		Record: RecordConfig{
			Enabled:    false,
			Path:       dataPath,
			Topics:     []string{"/*"},
			QueueDepth: 4096,
			BatchSize:  64,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".bridge-server", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DiscoveryInterval parses the configured poll interval.
func (c *Config) DiscoveryInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Discovery.Interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid discovery interval %q", c.Discovery.Interval)
	}
	return d, nil
}

// DialRetry parses the viewer reconnect interval.
func (c *Config) DialRetry() (time.Duration, error) {
	d, err := time.ParseDuration(c.Viewer.DialRetry)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid dial_retry %q", c.Viewer.DialRetry)
	}
	return d, nil
}

// StaleAfter parses the configured missing-topic grace period.
func (c *Config) StaleAfter() (time.Duration, error) {
	d, err := time.ParseDuration(c.Discovery.StaleAfter)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid stale_after %q", c.Discovery.StaleAfter)
	}
	return d, nil
}
