// Package config loads and saves the envsync TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all envsync configuration.
type Config struct {
	Budget       BudgetConfig       `toml:"budget"`
	Services     ServicesConfig     `toml:"services"`
	Sync         SyncConfig         `toml:"sync"`
	Resilience   ResilienceConfig   `toml:"resilience"`
	Availability AvailabilityConfig `toml:"availability"`
	Daemon       DaemonConfig       `toml:"daemon"`
	Server       ServerConfig       `toml:"server"`
}

// BudgetConfig identifies the budget and this device.
type BudgetConfig struct {
	ID            string `toml:"id"`
	DeviceID      string `toml:"device_id"`
	EncryptionKey string `toml:"encryption_key,omitempty"`
	DBPath        string `toml:"db_path,omitempty"`
}

// ServicesConfig controls service resolution and transport.
type ServicesConfig struct {
	Mode      string            `toml:"mode"`
	Origin    string            `toml:"origin,omitempty"`
	Binary    bool              `toml:"binary"`
	Overrides map[string]string `toml:"overrides,omitempty"`
	// ConnectivityAddr is dialed to decide whether the device is online.
	ConnectivityAddr string `toml:"connectivity_addr,omitempty"`
}

// SyncConfig controls the orchestrator and chunking.
type SyncConfig struct {
	Interval           Duration `toml:"interval"`
	Debounce           Duration `toml:"debounce"`
	Timeout            Duration `toml:"timeout"`
	MaxConflictRetries int      `toml:"max_conflict_retries"`
	ChunkMaxBytes      int      `toml:"chunk_max_bytes"`
	ChunkMaxItems      int      `toml:"chunk_max_items"`
	BackupRetention    int      `toml:"backup_retention"`
}

// ResilienceConfig tunes retries and circuit breakers.
type ResilienceConfig struct {
	MaxAttempts      int      `toml:"max_attempts"`
	InitialDelay     Duration `toml:"initial_delay"`
	MaxDelay         Duration `toml:"max_delay"`
	BackoffFactor    float64  `toml:"backoff_factor"`
	FailureThreshold int      `toml:"failure_threshold"`
	ResetTimeout     Duration `toml:"reset_timeout"`
	RequestTimeout   Duration `toml:"request_timeout"`
}

// AvailabilityConfig tunes the health-check cache.
type AvailabilityConfig struct {
	TTL          Duration `toml:"ttl"`
	ProbeTimeout Duration `toml:"probe_timeout"`
}

// DaemonConfig holds background sync settings.
type DaemonConfig struct {
	Addr         string `toml:"addr"`
	EventsBuffer int    `toml:"events_buffer"`
	WatchRemote  bool   `toml:"watch_remote"`
	WatchLocal   bool   `toml:"watch_local"`
}

// ServerConfig holds settings for the reference sync backend.
type ServerConfig struct {
	Addr string `toml:"addr"`
	DSN  string `toml:"dsn"`
}

// Duration is a time.Duration written as a string like "30s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration {
	return Duration{d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Services: ServicesConfig{
			Mode: "dev",
		},
		Sync: SyncConfig{
			Interval:           D(5 * time.Minute),
			Debounce:           D(2 * time.Second),
			Timeout:            D(60 * time.Second),
			MaxConflictRetries: 3,
			ChunkMaxBytes:      900 * 1024,
			ChunkMaxItems:      5000,
			BackupRetention:    5,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			InitialDelay:     D(100 * time.Millisecond),
			MaxDelay:         D(2 * time.Second),
			BackoffFactor:    2,
			FailureThreshold: 3,
			ResetTimeout:     D(30 * time.Second),
			RequestTimeout:   D(15 * time.Second),
		},
		Availability: AvailabilityConfig{
			TTL:          D(30 * time.Second),
			ProbeTimeout: D(5 * time.Second),
		},
		Daemon: DaemonConfig{
			Addr:         "127.0.0.1:8787",
			EventsBuffer: 200,
			WatchRemote:  true,
			WatchLocal:   true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8790",
			DSN:  "memory:",
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "envsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "envsync")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DataDir returns the XDG-compliant data directory holding local databases.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "envsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "envsync")
}

// DBPath returns the local database path for the configured budget.
func DBPath(cfg Config) string {
	if cfg.Budget.DBPath != "" {
		return cfg.Budget.DBPath
	}
	id := GetBudgetID(cfg)
	if id == "" {
		id = "default"
	}
	return filepath.Join(DataDir(), id+".db")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads the config at path over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	return SaveFile(ConfigPath(), cfg)
}

// SaveFile writes cfg to path with owner-only permissions.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// GetEncryptionKey returns the key from env var or config, in that order.
func GetEncryptionKey(cfg Config) string {
	if key := os.Getenv("ENVSYNC_ENCRYPTION_KEY"); key != "" {
		return key
	}
	return cfg.Budget.EncryptionKey
}

// GetBudgetID returns the budget id from env var or config, in that order.
func GetBudgetID(cfg Config) string {
	if id := os.Getenv("ENVSYNC_BUDGET_ID"); id != "" {
		return id
	}
	return cfg.Budget.ID
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}
