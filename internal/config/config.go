// Package config loads service configuration from an optional YAML file,
// a .env file and environment variables, in increasing order of priority.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stablejack/simulation-engine/internal/engine"
)

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port                   string `yaml:"port" validate:"required,numeric"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" validate:"gte=1"`
}

// StoreConfig selects and configures the snapshot store.
type StoreConfig struct {
	// Driver is memory, sqlite, postgres or redis. With postgres or sqlite,
	// a non-empty RedisURL adds a read-through cache.
	Driver          string `yaml:"driver" validate:"oneof=memory sqlite postgres redis"`
	SQLiteDSN       string `yaml:"sqlite_dsn"`
	DatabaseURL     string `yaml:"database_url" validate:"required_if=Driver postgres"`
	RedisURL        string `yaml:"redis_url" validate:"required_if=Driver redis"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" validate:"gte=0"`
}

// EngineConfig bounds the recompute loop.
type EngineConfig struct {
	MaxPasses int     `yaml:"max_passes" validate:"gte=1"`
	Epsilon   float64 `yaml:"epsilon" validate:"gt=0"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Load reads the YAML file at path (skipped when path is empty), then the
// .env file if one exists, then the environment.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// EngineOptions returns the recompute options for the configured limits.
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithMaxPasses(c.Engine.MaxPasses),
		engine.WithEpsilon(c.Engine.Epsilon),
	}
}

// CacheTTL returns the Redis entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Store.CacheTTLSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"PORT", &cfg.Server.Port},
		{"STORE_DRIVER", &cfg.Store.Driver},
		{"SQLITE_DSN", &cfg.Store.SQLiteDSN},
		{"DATABASE_URL", &cfg.Store.DatabaseURL},
		{"REDIS_URL", &cfg.Store.RedisURL},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("ENGINE_MAX_PASSES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config.Load: ENGINE_MAX_PASSES: %w", err)
		}
		cfg.Engine.MaxPasses = n
	}
	if v := os.Getenv("ENGINE_EPSILON"); v != "" {
		eps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config.Load: ENGINE_EPSILON: %w", err)
		}
		cfg.Engine.Epsilon = eps
	}
	return nil
}

// setDefaults fills in every value left unset.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeoutSeconds <= 0 {
		cfg.Server.ShutdownTimeoutSeconds = 5
	}
	if cfg.Store.Driver == "" {
		switch {
		case cfg.Store.DatabaseURL != "":
			cfg.Store.Driver = "postgres"
		case cfg.Store.SQLiteDSN != "":
			cfg.Store.Driver = "sqlite"
		default:
			cfg.Store.Driver = "memory"
		}
	}
	if cfg.Store.SQLiteDSN == "" {
		cfg.Store.SQLiteDSN = "simulation.db"
	}
	if cfg.Store.CacheTTLSeconds == 0 {
		cfg.Store.CacheTTLSeconds = 30
	}
	if cfg.Engine.MaxPasses == 0 {
		cfg.Engine.MaxPasses = engine.DefaultMaxPasses
	}
	if cfg.Engine.Epsilon == 0 {
		cfg.Engine.Epsilon = engine.DefaultEpsilon
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
