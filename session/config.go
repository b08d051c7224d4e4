package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded coordination defaults.
const (
	DefaultTransportTimeout = 30 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultSkewBuffer       = 60 * time.Second
	DefaultProactiveWindow  = 5 * time.Minute
	DefaultRefreshInterval  = 60 * time.Second
)

// Config captures the coordinator configuration loaded from YAML and
// environment variables.
type Config struct {
	BaseURL   string          `yaml:"base_url"`
	Transport TransportConfig `yaml:"transport"`
	Retry     RetryConfig     `yaml:"retry"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Storage   StorageConfig   `yaml:"storage"`
}

// TransportConfig controls the outbound HTTP policy.
type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig bounds the identity-fetch retry loop.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// RefreshConfig tunes expiry inspection and the proactive refresh loop.
type RefreshConfig struct {
	// SkewBuffer pads expiry checks against client/server clock drift.
	SkewBuffer time.Duration `yaml:"skew_buffer"`
	// ProactiveWindow is how far ahead of expiry the background loop
	// renews the access token.
	ProactiveWindow time.Duration `yaml:"proactive_window"`
	// Interval is the background loop's inspection period.
	Interval time.Duration `yaml:"interval"`
}

// StorageConfig selects durable token storage. An empty path keeps tokens
// in memory only.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the defaults applied before YAML and env overrides.
func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{Timeout: DefaultTransportTimeout},
		Retry:     RetryConfig{MaxAttempts: DefaultRetryAttempts, BaseDelay: DefaultRetryBaseDelay},
		Refresh: RefreshConfig{
			SkewBuffer:      DefaultSkewBuffer,
			ProactiveWindow: DefaultProactiveWindow,
			Interval:        DefaultRefreshInterval,
		},
	}
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHKIT_BASE_URL":          func(v string) { cfg.BaseURL = v },
		"AUTHKIT_STORAGE_PATH":      func(v string) { cfg.Storage.Path = v },
		"AUTHKIT_TRANSPORT_TIMEOUT": func(v string) { cfg.Transport.Timeout = parseDuration(v, cfg.Transport.Timeout) },
		"AUTHKIT_RETRY_BASE_DELAY":  func(v string) { cfg.Retry.BaseDelay = parseDuration(v, cfg.Retry.BaseDelay) },
		"AUTHKIT_REFRESH_INTERVAL":  func(v string) { cfg.Refresh.Interval = parseDuration(v, cfg.Refresh.Interval) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://, got: %s", c.BaseURL)
	}
	if c.Transport.Timeout <= 0 {
		return errors.New("transport.timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return errors.New("retry.base_delay must not be negative")
	}
	if c.Refresh.Interval <= 0 {
		return errors.New("refresh.interval must be positive")
	}
	if c.Refresh.ProactiveWindow <= 0 {
		return errors.New("refresh.proactive_window must be positive")
	}
	return nil
}
