package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultStorageDriver    = "sqlite"
	DefaultPollInterval     = "5s"
	DefaultAttemptLimit     = 6
	DefaultSessionRetention = "10m"
	DefaultSweepSchedule    = "@every 1m"
	DefaultUpdateTimeout    = 30
)

// MinPollInterval is the shortest poll interval the scheduler accepts.
const MinPollInterval = time.Second

const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Gate     GateConfig     `json:"gate"`
	Events   EventsConfig   `json:"events"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"GATEBOT_TELEGRAM_TOKEN"`
	Proxy string `json:"proxy,omitempty" env:"GATEBOT_TELEGRAM_PROXY"`
	// SourceChannels are the channels whose posts are ingested as content items.
	SourceChannels []int64 `json:"sourceChannels,omitempty" env:"GATEBOT_SOURCE_CHANNELS" envSeparator:","`
	AdminIDs       []int64 `json:"adminIds,omitempty" env:"GATEBOT_ADMIN_IDS" envSeparator:","`
	UpdateTimeout  int     `json:"updateTimeout,omitempty" env:"GATEBOT_UPDATE_TIMEOUT"`
}

type StorageConfig struct {
	Driver string `json:"driver" env:"GATEBOT_STORAGE_DRIVER"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `json:"dsn,omitempty" env:"GATEBOT_STORAGE_DSN"`
}

type GateConfig struct {
	PollInterval     string `json:"pollInterval" env:"GATEBOT_POLL_INTERVAL"`
	AttemptLimit     int    `json:"attemptLimit" env:"GATEBOT_ATTEMPT_LIMIT"`
	SessionRetention string `json:"sessionRetention" env:"GATEBOT_SESSION_RETENTION"`
	SweepSchedule    string `json:"sweepSchedule,omitempty" env:"GATEBOT_SWEEP_SCHEDULE"`
}

type EventsConfig struct {
	NATSURL string `json:"natsUrl,omitempty" env:"GATEBOT_NATS_URL"`
}

// Interval returns the parsed poll interval, falling back to the default.
func (g GateConfig) Interval() time.Duration {
	return parseDurationOr(g.PollInterval, DefaultPollInterval)
}

// Retention returns how long retired sessions stay in the session store.
func (g GateConfig) Retention() time.Duration {
	return parseDurationOr(g.SessionRetention, DefaultSessionRetention)
}

func parseDurationOr(value, fallback string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			UpdateTimeout: DefaultUpdateTimeout,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
			DSN:    filepath.Join(ConfigDir(), "data", "gatebot.db"),
		},
		Gate: GateConfig{
			PollInterval:     DefaultPollInterval,
			AttemptLimit:     DefaultAttemptLimit,
			SessionRetention: DefaultSessionRetention,
			SweepSchedule:    DefaultSweepSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".gatebot")
}

func ConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("GATEBOT_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == StorageDriverSQLite {
		cfg.Storage.DSN = DefaultConfig().Storage.DSN
	}
	if cfg.Gate.PollInterval == "" {
		cfg.Gate.PollInterval = DefaultPollInterval
	}
	if cfg.Gate.AttemptLimit <= 0 {
		cfg.Gate.AttemptLimit = DefaultAttemptLimit
	}
	if cfg.Gate.SessionRetention == "" {
		cfg.Gate.SessionRetention = DefaultSessionRetention
	}
	if cfg.Gate.SweepSchedule == "" {
		cfg.Gate.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Telegram.UpdateTimeout <= 0 {
		cfg.Telegram.UpdateTimeout = DefaultUpdateTimeout
	}

	return cfg, nil
}

// Validate reports configuration that would prevent the gateway from serving.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram token is required (set GATEBOT_TELEGRAM_TOKEN)")
	}
	switch c.Storage.Driver {
	case StorageDriverSQLite, StorageDriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage dsn is required for driver %s", c.Storage.Driver)
	}
	d, err := time.ParseDuration(c.Gate.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll interval %q", c.Gate.PollInterval)
	}
	if d < MinPollInterval {
		return fmt.Errorf("poll interval %s is below the %s minimum", d, MinPollInterval)
	}
	if c.Gate.AttemptLimit < 1 {
		return fmt.Errorf("attempt limit must be at least 1, got %d", c.Gate.AttemptLimit)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
