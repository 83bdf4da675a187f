// Package config loads meetingmeter settings from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/meetingmeter/go/internal/dbconfig"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ConfigMissingError is returned when a setting required by the selected
// store backend is absent.
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("missing required setting %s", e.Key)
}

type Config struct {
	Backend   store.Backend `yaml:"backend"`
	SessionID string        `yaml:"session_id"`
	RatesFile string        `yaml:"rates_file"`
	LogLevel  string        `yaml:"log_level"`

	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
	NATSURL     string `yaml:"nats_url"`
	NATSBucket  string `yaml:"nats_bucket"`

	GatewayPort    string        `yaml:"gateway_port"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Backend:        store.BackendSQLite,
		LogLevel:       "info",
		SQLitePath:     store.DefaultSQLiteConfig().Path,
		NATSBucket:     store.DefaultNATSConfig().Bucket,
		GatewayPort:    "8081",
		TickInterval:   time.Second,
		ResyncInterval: 5 * time.Minute,
	}
}

// Load reads path (if it exists) and then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.Backend = store.Backend(strings.ToLower(getEnv("STORE_BACKEND", string(cfg.Backend))))
	cfg.SessionID = getEnv("MEETING_SESSION_ID", cfg.SessionID)
	cfg.RatesFile = getEnv("RATES_FILE", cfg.RatesFile)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSBucket = getEnv("NATS_BUCKET", cfg.NATSBucket)
	cfg.GatewayPort = getEnv("GATEWAY_PORT", cfg.GatewayPort)

	var err error
	if cfg.TickInterval, err = getEnvAsDuration("METER_TICK", cfg.TickInterval); err != nil {
		return Config{}, err
	}
	if cfg.ResyncInterval, err = getEnvAsDuration("CLOCK_RESYNC", cfg.ResyncInterval); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" && cfg.Backend == store.BackendPostgres {
		cfg.DatabaseURL = dbconfig.NewConfigFromEnv().DSN()
	}

	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case store.BackendMemory:
	case store.BackendSQLite:
		if c.SQLitePath == "" {
			return &ConfigMissingError{Key: "SQLITE_PATH"}
		}
	case store.BackendPostgres:
		if c.DatabaseURL == "" {
			return &ConfigMissingError{Key: "DATABASE_URL"}
		}
	case store.BackendNATS:
		if c.NATSURL == "" {
			return &ConfigMissingError{Key: "NATS_URL"}
		}
		if c.NATSBucket == "" {
			return &ConfigMissingError{Key: "NATS_BUCKET"}
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, sqlite, postgres or nats)", c.Backend)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("METER_TICK must be positive, got %s", c.TickInterval)
	}
	return nil
}

// StoreOptions turns the settings into store.Open options.
func (c Config) StoreOptions() store.Options {
	sqlite := store.DefaultSQLiteConfig()
	sqlite.Path = c.SQLitePath

	pg := store.DefaultPostgresConfig()
	pg.DatabaseURL = c.DatabaseURL

	nc := store.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Bucket = c.NATSBucket

	return store.Options{
		Backend:  c.Backend,
		SQLite:   sqlite,
		Postgres: pg,
		NATS:     nc,
	}
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	// Bare numbers are seconds.
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
