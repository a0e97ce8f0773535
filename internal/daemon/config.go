// Package daemon assembles and runs the avalove engine: store, broadcast
// hub, presence tracker, session coordinator, reconciliation gate, and the
// HTTP API, wired from one TOML config file.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration, loaded from
// ~/.avalove/config.toml.
type Config struct {
	API      APIConfig      `toml:"api"`
	Store    StoreConfig    `toml:"store"`
	Presence PresenceConfig `toml:"presence"`
	Session  SessionConfig  `toml:"session"`
	Decay    DecayConfig    `toml:"decay"`
	Earning  EarningConfig  `toml:"earning"`
	Cache    CacheConfig    `toml:"cache"`
	Tracing  TracingConfig  `toml:"tracing"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// StoreConfig selects and configures the persistence driver.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres", "memory".
	Driver string `toml:"driver"`

	// Path is the sqlite database file.
	Path string `toml:"path"`

	// ConnString is the postgres connection string.
	ConnString string `toml:"conn_string"`
}

// PresenceConfig configures the presence tracker.
type PresenceConfig struct {
	ChannelName       string `toml:"channel_name"`
	KeepaliveInterval string `toml:"keepalive_interval"`
}

// SessionConfig configures session liveness.
type SessionConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"`
	LivenessMultiple  int    `toml:"liveness_multiple"`
}

// DecayConfig configures credit decay.
type DecayConfig struct {
	CreditGrace string `toml:"credit_grace"`
}

// EarningConfig configures the credit accrual engine.
type EarningConfig struct {
	Enabled      bool   `toml:"enabled"`
	TickInterval string `toml:"tick_interval"`
}

// CacheConfig configures the effective-view cache.
type CacheConfig struct {
	TTL           string `toml:"ttl"`
	PurgeInterval string `toml:"purge_interval"`
}

// TracingConfig configures the in-memory tracer.
type TracingConfig struct {
	Enabled  bool `toml:"enabled"`
	MaxSpans int  `toml:"max_spans"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    7340,
			Metrics: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(homeDir(), ".avalove", "avalove.db"),
		},
		Presence: PresenceConfig{
			ChannelName:       "online-users",
			KeepaliveInterval: "20m",
		},
		Session: SessionConfig{
			HeartbeatInterval: "10s",
			LivenessMultiple:  3,
		},
		Decay: DecayConfig{
			CreditGrace: "60s",
		},
		Earning: EarningConfig{
			Enabled:      true,
			TickInterval: "1m",
		},
		Cache: CacheConfig{
			TTL:           "2s",
			PurgeInterval: "30s",
		},
		Tracing: TracingConfig{
			Enabled:  true,
			MaxSpans: 10_000,
		},
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(homeDir(), ".avalove", "config.toml")
}

// Load reads the config file, layering it over defaults. A missing file is
// not an error — defaults apply.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to disk, creating the directory if needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// parseDuration converts a config duration string, falling back on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
