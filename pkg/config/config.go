// Package config loads and validates the dbgate configuration from file,
// environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/voidheim/dbgate/pkg/cache"
	"github.com/voidheim/dbgate/pkg/packet"
	"github.com/voidheim/dbgate/pkg/pool"
	"github.com/voidheim/dbgate/pkg/server"
)

// Config is the complete dbgate configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DBGATE_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics controls the optional Prometheus registry
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Database selects the backing store driver and its DSN
	Database DatabaseConfig `mapstructure:"database"`

	// Pool configures the connection pool
	Pool pool.Config `mapstructure:"pool"`

	// Cache configures the entity cache and its per-type policies
	Cache CacheConfig `mapstructure:"cache"`

	// Router configures the packet router worker pool
	Router packet.Config `mapstructure:"router"`

	// Server configures the TCP front end
	Server server.Config `mapstructure:"server"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR
	// (case-insensitive, normalized to uppercase).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output is where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls the optional Prometheus registry.
type MetricsConfig struct {
	// Enabled turns metric collection on. When false every component uses
	// its no-op metrics implementation.
	Enabled bool `mapstructure:"enabled"`

	// ListenAddr is where the /metrics endpoint is exposed when enabled.
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	// Type specifies which store driver to use.
	// Valid values: memory, sqlite, postgres
	Type string `mapstructure:"type" validate:"required,oneof=memory sqlite postgres"`

	// DSN is the driver-specific connection string: a file path for
	// sqlite, a connection URL for postgres. Ignored by the memory store.
	DSN string `mapstructure:"dsn"`
}

// CacheConfig wraps the cache settings with the per-type policy sources.
type CacheConfig struct {
	cache.Config `mapstructure:",squash"`

	// PolicyFile is an optional standalone YAML file with per-entity-type
	// policies. Inline Policies take precedence over it.
	PolicyFile string `mapstructure:"policy_file"`

	// Policies maps entity type names to inline cache policies.
	Policies map[string]cache.Policy `mapstructure:"policies"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses the default
//     location under $XDG_CONFIG_HOME/dbgate)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and config file lookup.
// Environment variables use the DBGATE_ prefix with underscores, e.g.
// DBGATE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DBGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// registerKeys seeds every configuration key with its zero value so that
// environment-only overrides are visible to Unmarshal. Real defaults are
// applied afterwards by ApplyDefaults and the component constructors.
func registerKeys(v *viper.Viper) {
	for _, key := range []string{
		"logging.level", "logging.output",
		"metrics.listen_addr",
		"database.type", "database.dsn",
		"pool.dsn",
		"cache.policy_file",
		"router.overflow_policy",
		"server.listen_addr", "server.access_key", "server.secret_key",
		"server.maintenance_query",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{
		"pool.max_connections", "pool.min_connections",
		"pool.max_reconnect_attempts", "pool.async_workers", "pool.async_queue_size",
		"router.workers", "router.queue_size",
		"server.max_connections", "server.rate_limit", "server.rate_burst",
	} {
		v.SetDefault(key, 0)
	}
	for _, key := range []string{
		"pool.ping_interval", "pool.query_timeout",
		"pool.transaction_timeout", "pool.transaction_sweep_interval",
		"cache.sync_interval", "cache.evict_interval",
		"router.handler_timeout",
		"server.auth_timeout", "server.idle_timeout",
		"server.maintenance_interval", "server.maintenance_query_interval",
	} {
		v.SetDefault(key, "0s")
	}
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("pool.auto_reconnect", true)
}

// readConfigFile reads the configuration file if it exists. A missing
// file is fine; defaults cover everything.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory: XDG_CONFIG_HOME if
// set, else ~/.config, else the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dbgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dbgate")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
