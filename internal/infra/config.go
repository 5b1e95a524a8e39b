package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trader_go/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADER_"

// Config holds every setting of the application.
// LoadConfig reads the YAML file first, then lets the environment override
// secrets and deploy-specific values.
type Config struct {
	App struct {
		Name    string `yaml:"name" env:"NAME"`
		Version string `yaml:"version"`
	} `yaml:"app" envPrefix:"APP_"`

	Engine   EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Sessions []SessionConfig `yaml:"sessions"`
	Accounts []AccountConfig `yaml:"accounts"`
	Storage  StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Feed     FeedConfig      `yaml:"feed" envPrefix:"FEED_"`
	NATS     NATSConfig      `yaml:"nats" envPrefix:"NATS_"`
	Strategy StrategyConfig  `yaml:"strategy"`

	Metrics struct {
		Addr string `yaml:"addr" env:"ADDR"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Logging struct {
		Level string `yaml:"level" env:"LEVEL"`
		Dir   string `yaml:"dir" env:"DIR"`
	} `yaml:"logging" envPrefix:"LOG_"`
}

// EngineConfig sizes the sequencer and the ordered executor.
type EngineConfig struct {
	RingSize          int    `yaml:"ring_size" env:"RING_SIZE"`
	WaitStrategy      string `yaml:"wait_strategy" env:"WAIT_STRATEGY"`
	PublishTimeoutMS  int    `yaml:"publish_timeout_ms"`
	Lanes             int    `yaml:"lanes" env:"LANES"`
	LaneQueueSize     int    `yaml:"lane_queue_size"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

// PublishTimeout converts PublishTimeoutMS.
func (e EngineConfig) PublishTimeout() time.Duration {
	return time.Duration(e.PublishTimeoutMS) * time.Millisecond
}

// ShutdownTimeout converts ShutdownTimeoutMS.
func (e EngineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(e.ShutdownTimeoutMS) * time.Millisecond
}

// SessionConfig describes one broker session.
type SessionConfig struct {
	ID          string            `yaml:"id"`
	AccountID   string            `yaml:"account_id"`
	Provider    string            `yaml:"provider"`
	URL         string            `yaml:"url"`
	AccessKey   string            `yaml:"access_key"`
	SecretKey   string            `yaml:"secret_key"`
	Passphrase  string            `yaml:"passphrase"`
	Instruments []string          `yaml:"instruments"`
	Props       map[string]string `yaml:"props"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
}

// ReconnectConfig tunes how a session retries.
type ReconnectConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	Backoff          Backoff `yaml:"backoff"`
	ConnectTimeoutMS int     `yaml:"connect_timeout_ms"`
	SyncTimeoutMS    int     `yaml:"sync_timeout_ms"`
}

// AccountConfig seeds an account that has no stored state.
type AccountConfig struct {
	ID             string          `yaml:"id"`
	InitialBalance decimal.Decimal `yaml:"initial_balance"`
}

// StorageConfig selects and tunes the repository.
type StorageConfig struct {
	Driver         string  `yaml:"driver" env:"DRIVER"`
	DSN            string  `yaml:"dsn" env:"DSN"`
	AsyncQueueSize int     `yaml:"async_queue_size" env:"ASYNC_QUEUE_SIZE"`
	MaxRetries     int     `yaml:"max_retries" env:"MAX_RETRIES"`
	Workers        int     `yaml:"workers"`
	SaveTimeoutMS  int     `yaml:"save_timeout_ms"`
	Backoff        Backoff `yaml:"backoff"`
}

// FeedConfig points the market data worker at a ticker stream.
type FeedConfig struct {
	URL         string   `yaml:"url" env:"URL"`
	Instruments []string `yaml:"instruments" env:"INSTRUMENTS" envSeparator:","`
}

// NATSConfig enables the outbound event publisher.
type NATSConfig struct {
	URL     string `yaml:"url" env:"URL"`
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Stream  string `yaml:"stream"`
}

// StrategyConfig attaches one registered strategy to an account.
type StrategyConfig struct {
	Name      string            `yaml:"name"`
	AccountID string            `yaml:"account_id"`
	Props     map[string]string `yaml:"props"`
}

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var waitStrategies = []string{"blocking", "busy_spin", "sleeping", "timeout_blocking"}

// LoadConfig reads and validates the configuration file at path.
// An optional .env next to the working directory is loaded before the
// environment overrides are applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and environment overrides, and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	// Secrets come from the environment, never from the file in production.
	_ = godotenv.Load()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	overrideSessionSecrets(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "trader"
	}
	if c.Engine.RingSize == 0 {
		c.Engine.RingSize = 4096
	}
	if c.Engine.WaitStrategy == "" {
		c.Engine.WaitStrategy = "blocking"
	}
	if c.Engine.PublishTimeoutMS == 0 {
		c.Engine.PublishTimeoutMS = 1000
	}
	if c.Engine.Lanes == 0 {
		c.Engine.Lanes = 8
	}
	if c.Engine.LaneQueueSize == 0 {
		c.Engine.LaneQueueSize = 1024
	}
	if c.Engine.ShutdownTimeoutMS == 0 {
		c.Engine.ShutdownTimeoutMS = 5000
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.DSN == "" && c.Storage.Driver == DriverSQLite {
		c.Storage.DSN = "trader.db"
	}
	if c.Storage.AsyncQueueSize == 0 {
		c.Storage.AsyncQueueSize = 1024
	}
	if c.Storage.MaxRetries == 0 {
		c.Storage.MaxRetries = 5
	}
	if c.Storage.Workers == 0 {
		c.Storage.Workers = 2
	}
	if c.Storage.SaveTimeoutMS == 0 {
		c.Storage.SaveTimeoutMS = 5000
	}
	if c.Storage.Backoff == (Backoff{}) {
		c.Storage.Backoff = DefaultBackoff()
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "TRADER"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.Provider == "" {
			s.Provider = "paper"
		}
		if s.Reconnect.Backoff == (Backoff{}) {
			s.Reconnect.Backoff = DefaultBackoff()
		}
	}
}

// overrideSessionSecrets reads TRADER_SESSION_<ID>_{ACCESS_KEY,SECRET_KEY,PASSPHRASE}.
// Sessions are a list, so they cannot be reached through struct tags.
func overrideSessionSecrets(cfg *Config) {
	for i := range cfg.Sessions {
		s := &cfg.Sessions[i]
		prefix := EnvPrefix + "SESSION_" + envName(s.ID) + "_"
		if v := os.Getenv(prefix + "ACCESS_KEY"); v != "" {
			s.AccessKey = v
		}
		if v := os.Getenv(prefix + "SECRET_KEY"); v != "" {
			s.SecretKey = v
		}
		if v := os.Getenv(prefix + "PASSPHRASE"); v != "" {
			s.Passphrase = v
		}
	}
}

func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	e := c.Engine
	if e.RingSize <= 0 || e.RingSize&(e.RingSize-1) != 0 {
		return fmt.Errorf("engine.ring_size must be a power of two, got %d", e.RingSize)
	}
	known := false
	for _, w := range waitStrategies {
		if strings.EqualFold(e.WaitStrategy, w) {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown engine.wait_strategy %q", e.WaitStrategy)
	}
	if e.Lanes <= 0 {
		return fmt.Errorf("engine.lanes must be positive")
	}

	accounts := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account without id")
		}
		if a.InitialBalance.IsNegative() {
			return fmt.Errorf("account %s has a negative initial balance", a.ID)
		}
		accounts[a.ID] = true
	}

	ids := make(map[string]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("session without id")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate session id %s", s.ID)
		}
		ids[s.ID] = true
		if s.AccountID == "" {
			return fmt.Errorf("session %s has no account_id", s.ID)
		}
		if !accounts[s.AccountID] {
			return fmt.Errorf("session %s references unknown account %s", s.ID, s.AccountID)
		}
		if s.URL != "" && !hasPrefix(s.URL, "ws://") && !hasPrefix(s.URL, "wss://") {
			return fmt.Errorf("invalid session %s URL: %s", s.ID, s.URL)
		}
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}

	if c.Feed.URL != "" && !hasPrefix(c.Feed.URL, "ws://") && !hasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("invalid feed URL: %s", c.Feed.URL)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Strategy.Name != "" && !accounts[c.Strategy.AccountID] {
		return fmt.Errorf("strategy %s references unknown account %q", c.Strategy.Name, c.Strategy.AccountID)
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}
