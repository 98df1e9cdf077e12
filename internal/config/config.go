package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Normalize.
const (
	DefaultHeartbeatSeconds = 30
	DefaultDrainSeconds     = 5
	DefaultProbeSeconds     = 5
)

// Config represents ~/.courier/config.toml.
type Config struct {
	UserID      string `toml:"user_id"`
	StoreDSN    string `toml:"store_dsn"`
	RelayURL    string `toml:"relay_url"`
	QueueDBPath string `toml:"queue_db_path"`

	HeartbeatSeconds int `toml:"heartbeat_seconds"`
	StalenessSeconds int `toml:"staleness_seconds"`
	DrainSeconds     int `toml:"drain_seconds"`
	ProbeSeconds     int `toml:"probe_seconds"`
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate reports whether the config names everything the daemon needs.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	if c.StoreDSN == "" {
		return errors.New("store_dsn is required")
	}
	if c.RelayURL == "" {
		return errors.New("relay_url is required")
	}
	return nil
}

// Normalize fills defaults and clamps intervals. The drain interval is
// never allowed below 5 seconds to keep retry pressure bounded; the
// staleness threshold defaults to twice the heartbeat so one missed
// heartbeat does not flap the peer's online badge.
func (c *Config) Normalize() {
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if c.StalenessSeconds <= 0 {
		c.StalenessSeconds = 2 * c.HeartbeatSeconds
	}
	if c.DrainSeconds < DefaultDrainSeconds {
		c.DrainSeconds = DefaultDrainSeconds
	}
	if c.ProbeSeconds <= 0 {
		c.ProbeSeconds = DefaultProbeSeconds
	}
}

// Heartbeat returns the presence heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Staleness returns the presence freshness threshold.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.StalenessSeconds) * time.Second
}

// Drain returns the periodic queue drain interval.
func (c *Config) Drain() time.Duration {
	return time.Duration(c.DrainSeconds) * time.Second
}

// Probe returns the connectivity probe interval.
func (c *Config) Probe() time.Duration {
	return time.Duration(c.ProbeSeconds) * time.Second
}
