package config

import (
	"strings"
	"time"

	"github.com/voidheim/dbgate/pkg/server"
)

// ApplyDefaults fills unspecified configuration fields with defaults.
// Zero values are replaced; explicit values are preserved. Component
// defaults (pool sizes, router queue, server timeouts) are applied by the
// components themselves when constructed.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyDatabaseDefaults(&cfg.Database)
	applyCacheDefaults(&cfg.Cache)
	applyServerDefaults(&cfg.Server)

	// The pool inherits the database DSN unless one was set explicitly.
	if cfg.Pool.DSN == "" {
		cfg.Pool.DSN = cfg.Database.DSN
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9190"
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Type == "sqlite" && cfg.DSN == "" {
		cfg.DSN = "dbgate.db"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	if cfg.EvictInterval == 0 {
		cfg.EvictInterval = 10 * time.Second
	}
}

func applyServerDefaults(cfg *server.Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7878"
	}
}
