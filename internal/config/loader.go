package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional if environment variables are set.
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to
// config. These take precedence over the file.
func applyEnvironmentOverrides(cfg *Config) error {
	// REDFED_NODES carries a full inline YAML node map, for deployments
	// that template the topology into the environment.
	if nodes := os.Getenv("REDFED_NODES"); nodes != "" {
		parsed := make(map[string]NodeConfig)
		if err := yaml.Unmarshal([]byte(nodes), &parsed); err != nil {
			return fmt.Errorf("failed to parse REDFED_NODES: %w", err)
		}
		cfg.Nodes = parsed
	}

	if tag := os.Getenv("REDFED_TAG"); tag != "" {
		cfg.Tag = tag
	}
	if timeout := os.Getenv("REDFED_COMMAND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("failed to parse REDFED_COMMAND_TIMEOUT: %w", err)
		}
		cfg.CommandTimeout = d
	}
	if timeout := os.Getenv("REDFED_CONNECT_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("failed to parse REDFED_CONNECT_TIMEOUT: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}
