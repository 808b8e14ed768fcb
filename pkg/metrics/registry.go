// Package metrics provides optional Prometheus metrics for dbgate
// components.
//
// Metrics are opt-in: if InitRegistry is never called, every constructor in
// this package returns nil and components fall back to their built-in no-op
// implementations, so the hot paths carry no metrics overhead.
//
// Usage:
//
//	metrics.InitRegistry()
//	p := pool.New(cfg, driver, metrics.NewPoolMetrics())
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times; only the first call has an effect.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
