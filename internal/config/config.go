// Package config loads and validates the pezzosync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ServerURL is the base URL of the Pezzottify catalog server
	// (e.g. "https://music.example.com").
	ServerURL string `yaml:"server_url"`

	// Token is the session token sent on every catalog request. Set
	// either Token or TokenFile, not both.
	Token string `yaml:"token,omitempty"`

	// TokenFile is a path to a file holding the session token. The file
	// is re-read when it changes, so an external login flow can refresh
	// the token without restarting the daemon.
	TokenFile string `yaml:"token_file,omitempty"`

	// DatabasePath locates the local sync database. Defaults to
	// ~/.local/share/pezzosync/sync.db.
	DatabasePath string `yaml:"database_path,omitempty"`

	// Sync tunes the engine sweep pacing.
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SyncConfig tunes the idle backoff of the sync engines. The same pacing
// applies to every entity kind.
type SyncConfig struct {
	// MinSleep is the delay after a sweep that made progress but left
	// work queued. Defaults to 100ms.
	MinSleep time.Duration `yaml:"min_sleep,omitempty"`

	// MaxSleep caps the backoff growth. Defaults to 30s.
	MaxSleep time.Duration `yaml:"max_sleep,omitempty"`

	// GrowthFactor multiplies the delay after each unproductive sweep.
	// Defaults to 1.4.
	GrowthFactor float64 `yaml:"growth_factor,omitempty"`

	// SessionRecheck is how often an unauthenticated engine looks for a
	// usable session. Defaults to 30s.
	SessionRecheck time.Duration `yaml:"session_recheck,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "pezzosync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/pezzosync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pezzosync", "config.yaml"), nil
}

// DefaultDatabasePath returns the default sync database path:
// ~/.local/share/pezzosync/sync.db.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "pezzosync", "sync.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write marshals the config to path, creating parent directories. The file
// is written 0600: it may hold the session token.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed,
// applying defaults in place.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.ParseRequestURI(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server_url %q must be a valid http or https URL", c.ServerURL)
	}

	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("one of token or token_file is required")
	}
	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("token and token_file are mutually exclusive")
	}

	if c.DatabasePath == "" {
		p, err := DefaultDatabasePath()
		if err != nil {
			return err
		}
		c.DatabasePath = p
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.MinSleep == 0 {
		s.MinSleep = 100 * time.Millisecond
	}
	if s.MinSleep < 10*time.Millisecond {
		return fmt.Errorf("sync.min_sleep %v is too short (minimum 10ms)", s.MinSleep)
	}

	if s.MaxSleep == 0 {
		s.MaxSleep = 30 * time.Second
	}
	if s.MaxSleep < s.MinSleep {
		return fmt.Errorf("sync.max_sleep %v is shorter than min_sleep %v", s.MaxSleep, s.MinSleep)
	}
	if s.MaxSleep > 10*time.Minute {
		return fmt.Errorf("sync.max_sleep %v is too long (maximum 10m)", s.MaxSleep)
	}

	if s.GrowthFactor == 0 {
		s.GrowthFactor = 1.4
	}
	if s.GrowthFactor <= 1.0 {
		return fmt.Errorf("sync.growth_factor %v must be greater than 1", s.GrowthFactor)
	}

	if s.SessionRecheck == 0 {
		s.SessionRecheck = 30 * time.Second
	}
	if s.SessionRecheck < time.Second {
		return fmt.Errorf("sync.session_recheck %v is too short (minimum 1s)", s.SessionRecheck)
	}

	return nil
}
