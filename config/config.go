// Package config loads server configuration.
//
// Sources, later ones winning:
//  1. Defaults
//  2. config.yaml in . or ./config (optional)
//  3. Environment variables: SERVER_PORT, DATABASE_PATH, LOG_LEVEL, ...
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Integrity IntegrityConfig `mapstructure:"integrity"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig points at the SQLite file holding ledger state and the
// relational mirror. ":memory:" keeps everything in process.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// LedgerConfig holds settings of the local ledger.
type LedgerConfig struct {
	// Identity is recorded as the creator identity of every batch.
	Identity string `mapstructure:"identity"`
	// MaxRetries bounds retries of a call that hit a concurrent write.
	MaxRetries int `mapstructure:"max_retries"`
}

// IntegrityConfig controls the periodic integrity sweep.
type IntegrityConfig struct {
	SweepEnabled  bool          `mapstructure:"sweep_enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PoolSize      int           `mapstructure:"pool_size"`
}

// Load reads configuration from defaults, an optional file and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// database.path -> DATABASE_PATH
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Ledger.Identity == "" {
		return fmt.Errorf("ledger.identity must not be empty")
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger.max_retries must not be negative")
	}
	if c.Integrity.SweepEnabled {
		if c.Integrity.SweepInterval <= 0 {
			return fmt.Errorf("integrity.sweep_interval must be positive")
		}
		if c.Integrity.PoolSize <= 0 {
			return fmt.Errorf("integrity.pool_size must be positive")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	// Database
	v.SetDefault("database.path", "batches.db")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Ledger
	v.SetDefault("ledger.identity", "Org1MSP")
	v.SetDefault("ledger.max_retries", 3)

	// Integrity sweep
	v.SetDefault("integrity.sweep_enabled", true)
	v.SetDefault("integrity.sweep_interval", "1h")
	v.SetDefault("integrity.pool_size", 8)
}
