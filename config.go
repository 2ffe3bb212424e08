package redfed

import "github.com/fedkv/redfed/internal/config"

// Config aliases the client configuration so callers outside the
// module can build one.
type Config = config.Config

// NodeConfig aliases the per-node descriptor: a single address or an
// ordered list of alternates.
type NodeConfig = config.NodeConfig

// AdminConfig aliases the ops server configuration.
type AdminConfig = config.AdminConfig

// LoggingConfig aliases the logging configuration.
type LoggingConfig = config.LoggingConfig

// DefaultConfig returns default configuration values. Nodes must still
// be supplied by the caller.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig loads configuration from a YAML file and environment
// variables.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
