package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replogd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, uint64(1000), c.Replication.CompactionThreshold)
	assert.Equal(t, Duration(50*time.Millisecond), c.Replication.RPCTimeout)
	assert.Equal(t, "pool", c.Storage.Executor)
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
[logging]
level = "debug"
format = "json"

[storage]
path = "/var/lib/replog/replog.db"
executor = "inline"

[replication]
wait-for-sync = true
rpc-timeout = "250ms"
compaction-threshold = 10
`)
		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, zapcore.DebugLevel, c.Logging.Level)
		assert.Equal(t, "json", c.Logging.Format)
		assert.Equal(t, "inline", c.Storage.Executor)
		assert.True(t, c.Replication.WaitForSync)
		assert.Equal(t, Duration(250*time.Millisecond), c.Replication.RPCTimeout)
		assert.Equal(t, uint64(10), c.Replication.CompactionThreshold)
		assert.Equal(t, 500, c.Replication.MaxBatchEntries)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "[storage]\nflavour = \"lmdb\"\n"))
		assert.ErrorContains(t, err, "storage.flavour")
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "[replication]\nrpc-timeout = \"soon\"\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Storage.Workers = 0 }},
		{"unknown executor", func(c *Config) { c.Storage.Executor = "fibers" }},
		{"empty path", func(c *Config) { c.Storage.Path = "" }},
		{"zero batch", func(c *Config) { c.Replication.MaxBatchEntries = 0 }},
		{"zero timeout", func(c *Config) { c.Replication.RPCTimeout = 0 }},
		{"backoff cap below base", func(c *Config) { c.Replication.MaxRetryBackoff = Duration(time.Millisecond) }},
		{"zero threshold", func(c *Config) { c.Replication.CompactionThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	t.Run("inline executor ignores workers", func(t *testing.T) {
		c := Default()
		c.Storage.Executor = "inline"
		c.Storage.Workers = 0
		assert.NoError(t, c.Validate())
	})
}
