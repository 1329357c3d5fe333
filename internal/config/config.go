package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Push drivers.
const (
	DriverBus   = "bus"
	DriverRedis = "redis"
)

// Duration is a time.Duration written as "24h" or "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.roomsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	UserID         string `toml:"user_id"`
	DisplayName    string `toml:"display_name"`
	AvatarURL      string `toml:"avatar_url"`

	Engine EngineConfig `toml:"engine"`
	Push   PushConfig   `toml:"push"`
	Daemon DaemonConfig `toml:"daemon"`
	Log    LogConfig    `toml:"log"`
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	Window           Duration `toml:"window"`
	MatchWindow      Duration `toml:"match_window"`
	ProfileCacheSize int      `toml:"profile_cache_size"`
}

// PushConfig selects the push channel.
type PushConfig struct {
	Driver   string `toml:"driver"`
	RedisURL string `toml:"redis_url"`
}

// DaemonConfig holds daemon-only settings.
type DaemonConfig struct {
	// MetricsAddr enables the Prometheus endpoint when set, e.g. ":9464".
	MetricsAddr string `toml:"metrics_addr"`
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `toml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Engine: EngineConfig{
			Window:           Duration{24 * time.Hour},
			MatchWindow:      Duration{10 * time.Second},
			ProfileCacheSize: 1024,
		},
		Push: PushConfig{Driver: DriverBus},
		Log:  LogConfig{Level: "info"},
	}
}

// Read decodes the file at path over the defaults without validating it.
// Tools that only need default_session use it.
func Read(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads config from the given path. Values missing from the file keep
// their defaults. Returns an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not
// exist. The fallback is validated too, so a missing file still fails for
// want of user_id.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	if c.Engine.Window.Duration <= 0 {
		return fmt.Errorf("engine.window must be positive, got %s", c.Engine.Window)
	}
	if c.Engine.MatchWindow.Duration <= 0 {
		return fmt.Errorf("engine.match_window must be positive, got %s", c.Engine.MatchWindow)
	}
	if c.Engine.ProfileCacheSize <= 0 {
		return fmt.Errorf("engine.profile_cache_size must be positive, got %d", c.Engine.ProfileCacheSize)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Push.Driver {
	case DriverBus:
	case DriverRedis:
		if c.Push.RedisURL == "" {
			return errors.New("push.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown push.driver %q", c.Push.Driver)
	}
	return nil
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
