// Package config loads and persists the on-disk configuration for a
// swapsig coordinator node, mirroring the teacher's internal/node
// Config: a single YAML document composed of each subsystem's own
// Config type plus a mainnet/testnet network split.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapsig-core/internal/directory"
	"github.com/klingon-exchange/swapsig-core/internal/discovery"
	"github.com/klingon-exchange/swapsig-core/internal/musig"
	"github.com/klingon-exchange/swapsig-core/internal/security"
	"github.com/klingon-exchange/swapsig-core/internal/swappool"
	"github.com/klingon-exchange/swapsig-core/internal/transport"
)

// NetworkType selects the DHT prefix and discovery namespace a node joins.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

const (
	MainnetDHTPrefix   = "/swapsig"
	MainnetDiscoveryNS = "swapsig-mainnet"
	TestnetDHTPrefix   = "/swapsig-testnet"
	TestnetDiscoveryNS = "swapsig-testnet"
)

// ConfigFileName is the on-disk file name within a node's data directory.
const ConfigFileName = "config.yaml"

// IdentityConfig locates the node's long-term signing key.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// LoggingConfig controls the structured logger every subsystem shares.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	TimeFormat string `yaml:"time_format"`
	File       string `yaml:"file"`
}

// Config is the full coordinator configuration: network identity, the
// libp2p transport, the directory cache and its persistence, the security
// rate limiter, musig round timeouts, pool defaults, and logging.
type Config struct {
	NetworkType NetworkType `yaml:"network_type"`

	Identity  IdentityConfig        `yaml:"identity"`
	Transport transport.Config      `yaml:"transport"`
	Directory directory.Config      `yaml:"directory"`
	Store     directory.StoreConfig `yaml:"store"`
	Security  security.Config       `yaml:"security"`
	Musig     musig.Config          `yaml:"musig"`
	Discovery discovery.Config      `yaml:"discovery"`
	Pool      swappool.Params       `yaml:"pool"`
	Logging   LoggingConfig         `yaml:"logging"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network,
// overriding whatever is set on Transport.DHTPrefix so the two can never
// drift apart.
func (c *Config) DHTPrefix() string {
	if c.IsTestnet() {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the rendezvous namespace for the configured
// network.
func (c *Config) DiscoveryNamespace() string {
	if c.IsTestnet() {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// IsTestnet reports whether this config targets the test network.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// DefaultConfig returns sane mainnet defaults, composing each subsystem's
// own DefaultConfig/DefaultParams.
func DefaultConfig() *Config {
	transportCfg := transport.DefaultConfig()
	transportCfg.DHTPrefix = MainnetDHTPrefix
	transportCfg.DiscoveryNamespace = MainnetDiscoveryNS

	return &Config{
		NetworkType: NetworkMainnet,
		Identity: IdentityConfig{
			KeyFile: "~/.swapsig/identity.key",
		},
		Transport: transportCfg,
		Directory: directory.DefaultConfig(),
		Store: directory.StoreConfig{
			DataDir: "~/.swapsig/data",
		},
		Security:  security.DefaultConfig(),
		Musig:     musig.DefaultConfig(),
		Discovery: discovery.DefaultConfig(),
		Pool:      swappool.DefaultParams(),
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: time.TimeOnly,
		},
	}
}

// ConfigPath returns the config file path within a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// LoadConfig reads the config file from dataDir, writing and returning
// mainnet defaults on first run the same way the teacher's node config
// bootstraps a fresh install.
func LoadConfig(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	cfg := DefaultConfig()
	cfg.Store.DataDir = dataDir
	cfg.Identity.KeyFile = filepath.Join(dataDir, "identity.key")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as YAML, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	header := "# swapsig coordinator configuration\n# generated automatically on first run\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
