package infra

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader_go/internal/domain"
)

const sampleConfig = `
app:
  name: trader
engine:
  ring_size: 1024
  wait_strategy: sleeping
  lanes: 4
accounts:
  - id: acct-1
    initial_balance: "500000"
sessions:
  - id: paper-1
    account_id: acct-1
    instruments: [IF2406, IC2406]
    reconnect:
      max_attempts: 3
storage:
  driver: sqlite
  dsn: "file::memory:"
feed:
  url: wss://feed.example.com/ws
  instruments: [IF2406]
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Engine.RingSize)
	assert.Equal(t, 4, cfg.Engine.Lanes)
	assert.Equal(t, 1024, cfg.Engine.LaneQueueSize, "default applied")
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "500000", cfg.Accounts[0].InitialBalance.String())
	require.Len(t, cfg.Sessions, 1)
	assert.Equal(t, "paper", cfg.Sessions[0].Provider)
	assert.Equal(t, []string{"IF2406", "IC2406"}, cfg.Sessions[0].Instruments)
	assert.Equal(t, DefaultBackoff(), cfg.Sessions[0].Reconnect.Backoff)
	assert.Equal(t, 5, cfg.Storage.MaxRetries)
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TRADER_STORAGE_DSN", "file:override.db")
	t.Setenv("TRADER_ENGINE_LANES", "16")
	t.Setenv("TRADER_SESSION_PAPER_1_SECRET_KEY", "s3cret")

	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "file:override.db", cfg.Storage.DSN)
	assert.Equal(t, 16, cfg.Engine.Lanes)
	assert.Equal(t, "s3cret", cfg.Sessions[0].SecretKey)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"ring size not power of two", func(c *Config) { c.Engine.RingSize = 1000 }},
		{"unknown wait strategy", func(c *Config) { c.Engine.WaitStrategy = "nap" }},
		{"no lanes", func(c *Config) { c.Engine.Lanes = -1 }},
		{"session without account", func(c *Config) { c.Sessions[0].AccountID = "" }},
		{"session with unknown account", func(c *Config) { c.Sessions[0].AccountID = "ghost" }},
		{"duplicate session", func(c *Config) { c.Sessions = append(c.Sessions, c.Sessions[0]) }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres; c.Storage.DSN = "" }},
		{"bad feed url", func(c *Config) { c.Feed.URL = "http://feed" }},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "trader", cfg.App.Name)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
