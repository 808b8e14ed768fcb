package cache

import (
	"time"

	"github.com/voidheim/dbgate/pkg/store"
)

// Policy controls caching behavior for one entity type. Policies are
// immutable after the cache is constructed: background goroutines read
// them without locking.
type Policy struct {
	// Expiration is the idle time after which an entry becomes eligible
	// for eviction. Zero means entries never expire.
	Expiration time.Duration `mapstructure:"expiration" yaml:"expiration"`

	// MaxEntries bounds the number of cached entries of this type. Zero
	// means unbounded.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries" validate:"min=0"`

	// SyncOnEviction syncs dirty entries to the backing store before they
	// are evicted. When false, dirty entries are skipped by eviction and
	// left for the sync loop.
	SyncOnEviction bool `mapstructure:"sync_on_eviction" yaml:"sync_on_eviction"`

	// Preload warms the cache with all stored entities of this type at
	// startup.
	Preload bool `mapstructure:"preload" yaml:"preload"`

	// EvictionThreshold is the fill percentage of MaxEntries above which
	// the eviction scan starts evicting LRU-first regardless of
	// expiration. Zero means 100 (only evict when over capacity).
	EvictionThreshold int `mapstructure:"eviction_threshold" yaml:"eviction_threshold" validate:"min=0,max=100"`
}

// DefaultPolicy is applied to entity types without an explicit policy.
func DefaultPolicy() Policy {
	return Policy{
		Expiration:        5 * time.Minute,
		MaxEntries:        10000,
		SyncOnEviction:    true,
		EvictionThreshold: 90,
	}
}

func (p Policy) withDefaults() Policy {
	if p.EvictionThreshold <= 0 {
		p.EvictionThreshold = 100
	}
	return p
}

// normalizePolicies builds the per-type policy table, filling gaps with the
// default policy.
func normalizePolicies(policies map[store.EntityType]Policy) map[store.EntityType]Policy {
	out := make(map[store.EntityType]Policy, len(store.EntityTypes()))
	for _, t := range store.EntityTypes() {
		if p, ok := policies[t]; ok {
			out[t] = p.withDefaults()
		} else {
			out[t] = DefaultPolicy().withDefaults()
		}
	}
	return out
}
