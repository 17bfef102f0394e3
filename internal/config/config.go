package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_API_URL.
const EnvPrefix = "CHATSYNC_"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session" env:"SESSION"`
	Server         Server    `toml:"server"`
	Sync           Sync      `toml:"sync"`
	Reconnect      Reconnect `toml:"reconnect"`
	Settings       Settings  `toml:"settings"`
	Log            Log       `toml:"log"`
}

// Server holds the messenger backend endpoints.
type Server struct {
	APIURL string `toml:"api_url" env:"API_URL"`
	WSURL  string `toml:"ws_url" env:"WS_URL"`
	Token  string `toml:"token,omitempty" env:"TOKEN"`
}

// Sync tunes the sync engine.
type Sync struct {
	LocalUserID     string   `toml:"local_user_id,omitempty" env:"LOCAL_USER_ID"`
	HistoryTimeout  Duration `toml:"history_timeout" env:"HISTORY_TIMEOUT"`
	ReconcileWindow Duration `toml:"reconcile_window" env:"RECONCILE_WINDOW"`
	Transport       string   `toml:"transport" env:"TRANSPORT"`
}

// Reconnect is the push channel reconnect policy.
type Reconnect struct {
	Enabled    bool     `toml:"enabled" env:"RECONNECT_ENABLED"`
	Min        Duration `toml:"min" env:"RECONNECT_MIN"`
	Max        Duration `toml:"max" env:"RECONNECT_MAX"`
	Multiplier float64  `toml:"multiplier" env:"RECONNECT_MULTIPLIER"`
}

// Settings selects the notification settings backend.
type Settings struct {
	Backend string `toml:"backend" env:"SETTINGS_BACKEND"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level" env:"LOG_LEVEL"`
}

// Settings backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			APIURL: "http://localhost:8000",
			WSURL:  "ws://localhost:8000/ws",
		},
		Sync: Sync{
			HistoryTimeout:  Duration{30 * time.Second},
			ReconcileWindow: Duration{10 * time.Second},
			Transport:       "auto",
		},
		Reconnect: Reconnect{
			Enabled:    true,
			Min:        Duration{time.Second},
			Max:        Duration{time.Minute},
			Multiplier: 2,
		},
		Settings: Settings{Backend: BackendSQLite},
		Log:      Log{Level: "info"},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve builds the effective configuration: defaults, then the file at
// path if it exists, then a .env file in the working directory, then
// CHATSYNC_* environment variables.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	_ = godotenv.Load()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any CHATSYNC_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	switch c.Sync.Transport {
	case "", "auto", "channel", "rest":
	default:
		return fmt.Errorf("sync.transport: unknown value %q", c.Sync.Transport)
	}
	switch c.Settings.Backend {
	case "", BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("settings.backend: unknown value %q", c.Settings.Backend)
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
