package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Config represents the federation client configuration.
type Config struct {
	// Nodes maps logical node names to their backend addresses. The
	// node name, not the address, is the consistent-hash target.
	Nodes map[string]NodeConfig `mapstructure:"nodes" yaml:"nodes"`

	// MasterOf records replication topology (slave address -> master
	// address). Informational only; reserved for future failover logic.
	MasterOf map[string]string `mapstructure:"master_of" yaml:"master_of"`

	// Tag enables process-wide instance sharing: constructors with the
	// same non-empty tag return the same client while it is alive.
	Tag string `mapstructure:"tag" yaml:"tag"`

	// CommandTimeout bounds each Poll call. Zero disables the timeout.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`

	// ConnectTimeout bounds backend connection establishment.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// IdleTimeout expires cached connections; zero disables expiry.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// Persistent keeps backend connections across batches. When false,
	// the connection cache is flushed once a batch drains.
	Persistent bool `mapstructure:"persistent" yaml:"persistent"`

	// Debug enables verbose diagnostic logging.
	Debug bool `mapstructure:"debug" yaml:"debug"`

	// Retry parameters for the per-address failure state machine.
	MaxHostRetries    int           `mapstructure:"max_host_retries" yaml:"max_host_retries"`
	BaseRetryInterval time.Duration `mapstructure:"base_retry_interval" yaml:"base_retry_interval"`
	RetryIntervalMult int           `mapstructure:"retry_interval_mult" yaml:"retry_interval_mult"`
	RetrySlop         time.Duration `mapstructure:"retry_slop" yaml:"retry_slop"`
	MaxRetryInterval  time.Duration `mapstructure:"max_retry_interval" yaml:"max_retry_interval"`

	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// NodeConfig describes one logical node: either a single address or an
// ordered list of alternates, each a host:port pair.
type NodeConfig struct {
	Address   string   `mapstructure:"address" yaml:"address"`
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
}

// List returns the node's addresses: the alternates when present,
// otherwise the singleton address.
func (n NodeConfig) List() []string {
	if len(n.Addresses) > 0 {
		return n.Addresses
	}
	if n.Address != "" {
		return []string{n.Address}
	}
	return nil
}

// AdminConfig represents the ops HTTP server configuration.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("nodes is required and must name at least one node")
	}
	for name, node := range c.Nodes {
		addrs := node.List()
		if len(addrs) == 0 {
			return fmt.Errorf("node %q needs an address or a non-empty addresses list", name)
		}
		if node.Address != "" && len(node.Addresses) > 0 {
			return fmt.Errorf("node %q sets both address and addresses", name)
		}
		for _, addr := range addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("node %q address %q is not host:port: %w", name, addr, err)
			}
		}
	}
	if c.CommandTimeout < 0 {
		return errors.New("command_timeout must not be negative")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle_timeout must not be negative")
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values. Nodes must still
// be supplied by the caller.
func DefaultConfig() *Config {
	return &Config{
		Nodes:          make(map[string]NodeConfig),
		CommandTimeout: time.Second,
		Persistent:     true,
		Admin: AdminConfig{
			Enabled: false,
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
