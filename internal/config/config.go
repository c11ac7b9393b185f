// Package config loads server configuration from config files,
// environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/internal/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Storage StorageConfig  `mapstructure:"storage"`
	NATS    bus.NATSConfig `mapstructure:"nats"`
	Logging logger.Config  `mapstructure:"logging"`
	Run     RunConfig      `mapstructure:"run"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects and configures the thread store backend.
type StorageConfig struct {
	// Backend is one of "postgres", "sqlite", "memory".
	Backend string `mapstructure:"backend"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `mapstructure:"database_url"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RunConfig tunes run execution.
type RunConfig struct {
	// LeaseTTLSeconds is how long a thread stays locked after the owning
	// server stops renewing.
	LeaseTTLSeconds int `mapstructure:"lease_ttl_seconds"`
}

// LeaseTTL returns the lease TTL as a duration.
func (r RunConfig) LeaseTTL() time.Duration {
	return time.Duration(r.LeaseTTLSeconds) * time.Second
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given file, falling back to
// ./agentwire.yaml, then environment variables (AGENTWIRE_*), then
// defaults. A missing config file is not an error.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agentwire")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentwire")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0) // streaming responses must not time out

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.sqlite_path", "agentwire.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "agentwire")
	v.SetDefault("nats.subject_prefix", "agentwire")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("run.lease_ttl_seconds", 120)
}
