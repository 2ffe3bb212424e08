package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Nodes = map[string]NodeConfig{
		"redis_0": {Address: "localhost:63790"},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Second, cfg.CommandTimeout)
	assert.True(t, cfg.Persistent)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Empty(t, cfg.Nodes)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid single address", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("valid alternates", func(t *testing.T) {
		cfg := validConfig()
		cfg.Nodes["foo"] = NodeConfig{Addresses: []string{"a:1", "b:2", "c:3"}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("no nodes", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nodes is required")
	})

	t.Run("node without address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Nodes["empty"] = NodeConfig{}
		assert.Error(t, cfg.Validate())
	})

	t.Run("both address forms", func(t *testing.T) {
		cfg := validConfig()
		cfg.Nodes["both"] = NodeConfig{Address: "a:1", Addresses: []string{"b:2"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("malformed address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Nodes["bad"] = NodeConfig{Address: "no-port"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative command timeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.CommandTimeout = -time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("admin port out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Admin = AdminConfig{Enabled: true, Port: 0}
		assert.Error(t, cfg.Validate())
	})

	t.Run("logging defaults filled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging = LoggingConfig{}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
	})
}

func TestNodeConfig_List(t *testing.T) {
	assert.Equal(t, []string{"a:1"}, NodeConfig{Address: "a:1"}.List())
	assert.Equal(t, []string{"a:1", "b:2"}, NodeConfig{Addresses: []string{"a:1", "b:2"}}.List())
	assert.Nil(t, NodeConfig{}.List())
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
nodes:
  redis_0:
    address: "localhost:63790"
  foo:
    addresses:
      - "a:1"
      - "b:2"
master_of:
  "b:2": "a:1"
command_timeout: 3s
idle_timeout: 60s
max_host_retries: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:63790", cfg.Nodes["redis_0"].Address)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Nodes["foo"].Addresses)
	assert.Equal(t, "a:1", cfg.MasterOf["b:2"])
	assert.Equal(t, 3*time.Second, cfg.CommandTimeout)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 5, cfg.MaxHostRetries)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REDFED_NODES", `{redis_env: {address: "env-host:6379"}}`)
	t.Setenv("REDFED_COMMAND_TIMEOUT", "750ms")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-host:6379", cfg.Nodes["redis_env"].Address)
	assert.Equal(t, 750*time.Millisecond, cfg.CommandTimeout)
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: {}\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
