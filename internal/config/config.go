// Package config loads the peersync configuration file.
//
// The file is YAML. Defaults are applied first, the file overrides them and
// the result is validated; unknown keys are rejected so typos surface early.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one instance.
type Config struct {
	// Profile names the set of syncable models this instance serves.
	Profile  string         `yaml:"profile"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
	Scopes   ScopesConfig   `yaml:"scopes"`
	Peers    []PeerConfig   `yaml:"peers"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
}

// SyncConfig tunes transfer sessions.
type SyncConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	Compression       bool          `yaml:"compression"`
	MaxFMCEntries     int           `yaml:"max_fmc_entries"`
	SessionExpiration time.Duration `yaml:"session_expiration"`
	Workers           int           `yaml:"workers"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds retries of network failures and isolation conflicts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ServerConfig configures `peersync serve`.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AdminSecret signs admin tokens for certificate signing requests.
	// Empty disables remote certificate signing.
	AdminSecret string `yaml:"admin_secret"`
	Metrics     bool   `yaml:"metrics"`
}

// ScopesConfig points at scope definitions loaded at startup.
type ScopesConfig struct {
	// Path is a .yaml/.yml or .cue file; empty skips loading.
	Path string `yaml:"path"`
}

// PeerConfig is one peer synced periodically by `peersync serve`.
type PeerConfig struct {
	Name       string        `yaml:"name"`
	URL        string        `yaml:"url"`
	Filter     []string      `yaml:"filter"`
	ClientCert string        `yaml:"client_cert"`
	ServerCert string        `yaml:"server_cert"`
	Interval   time.Duration `yaml:"interval"`
	Push       *bool         `yaml:"push"`
	Pull       *bool         `yaml:"pull"`
}

// PushEnabled reports whether the peer is pushed to; defaults to true.
func (p PeerConfig) PushEnabled() bool { return p.Push == nil || *p.Push }

// PullEnabled reports whether the peer is pulled from; defaults to true.
func (p PeerConfig) PullEnabled() bool { return p.Pull == nil || *p.Pull }

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Profile: "default",
		Database: DatabaseConfig{
			Path:   "peersync.db",
			Driver: "sqlite3",
		},
		Sync: SyncConfig{
			ChunkSize:         500,
			MaxFMCEntries:     100000,
			SessionExpiration: 6 * time.Hour,
			Workers:           4,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		Server: ServerConfig{
			Listen:  "127.0.0.1:8700",
			Metrics: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.Profile == "" {
		errs = append(errs, errors.New("profile is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or sqlite, got %q", c.Database.Driver))
	}
	if c.Sync.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("sync.chunk_size must be positive, got %d", c.Sync.ChunkSize))
	}
	if c.Sync.MaxFMCEntries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_fmc_entries must be positive, got %d", c.Sync.MaxFMCEntries))
	}
	if c.Sync.SessionExpiration <= 0 {
		errs = append(errs, errors.New("sync.session_expiration must be positive"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers))
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.retry.max_attempts must be positive, got %d", c.Sync.Retry.MaxAttempts))
	}
	if c.Sync.Retry.InitialInterval <= 0 || c.Sync.Retry.MaxInterval < c.Sync.Retry.InitialInterval {
		errs = append(errs, errors.New("sync.retry intervals must be positive with max_interval >= initial_interval"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	names := map[string]bool{}
	for i, p := range c.Peers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: name is required", i))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
		if u, err := url.Parse(p.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("peers[%d]: url must be an http(s) URL, got %q", i, p.URL))
		}
		if len(p.Filter) == 0 {
			errs = append(errs, fmt.Errorf("peers[%d]: filter is required", i))
		}
		if p.ClientCert == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: client_cert is required", i))
		}
		if p.Interval <= 0 {
			errs = append(errs, fmt.Errorf("peers[%d]: interval must be positive", i))
		}
		if !p.PushEnabled() && !p.PullEnabled() {
			errs = append(errs, fmt.Errorf("peers[%d]: push and pull are both disabled", i))
		}
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
