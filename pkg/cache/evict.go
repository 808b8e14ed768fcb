package cache

import (
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// evictable decides whether an entry may be removed right now, syncing it
// first when its policy asks for that. Locked entries are never evicted;
// dirty entries under a no-sync-on-eviction policy are left for the sync
// loop. The lock check here only skips needless syncs: the authoritative
// re-check happens in dropIfUnlocked, atomically with the removal.
func (c *Cache) evictable(e *entry, p Policy) bool {
	if c.IsLocked(e.key.Type, e.key.ID) {
		return false
	}

	c.mu.RLock()
	dirty := e.dirty
	c.mu.RUnlock()
	if !dirty {
		return true
	}
	if !p.SyncOnEviction {
		return false
	}
	return c.SyncEntity(e.key.Type, e.key.ID)
}

// EvictExpired removes entries idle past their type's expiration, then
// relieves LRU pressure on types over their eviction threshold. Capacity
// is enforced here, not at insert time: a burst may push a type past
// MaxEntries until the next scan trims it back, which keeps the most
// recently touched entries safe from a victim choice made mid-burst.
// Returns the number of entries removed.
func (c *Cache) EvictExpired() int {
	now := time.Now()
	evicted := 0

	for _, t := range store.EntityTypes() {
		p := c.policies[t]
		if p.Expiration > 0 {
			evicted += c.evictIdle(t, p, now)
		}
		if p.MaxEntries > 0 {
			evicted += c.evictOverThreshold(t, p)
		}
	}
	return evicted
}

// evictIdle removes entries of one type whose idle time exceeds the
// policy expiration.
func (c *Cache) evictIdle(t store.EntityType, p Policy, now time.Time) int {
	cutoff := now.Add(-p.Expiration).UnixNano()

	c.mu.RLock()
	expired := make([]*entry, 0)
	for key, e := range c.entries {
		if key.Type == t && e.lastAccess.Load() < cutoff {
			expired = append(expired, e)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, e := range expired {
		if !c.evictable(e, p) {
			continue
		}
		if c.dropIfUnlocked(e.key) {
			c.evictions.Add(1)
			c.metrics.RecordEviction("expired")
			n++
		}
	}
	return n
}

// evictOverThreshold trims one type back to its eviction threshold,
// least-recently-used first.
func (c *Cache) evictOverThreshold(t store.EntityType, p Policy) int {
	target := p.MaxEntries * p.EvictionThreshold / 100
	n := 0
	for c.countByType(t) > target {
		if !c.evictLRU(t, p, "pressure") {
			break
		}
		n++
	}
	return n
}

// evictLRU removes the least recently used evictable entry of a type.
// Returns false when no entry of that type can be evicted.
func (c *Cache) evictLRU(t store.EntityType, p Policy, reason string) bool {
	// Walk from the back (least recently used) collecting candidates of
	// this type; eviction checks happen outside lruMu because they may
	// take the entry and dirty locks.
	c.lruMu.Lock()
	candidates := make([]*entry, 0)
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.key.Type == t {
			candidates = append(candidates, e)
		}
	}
	c.lruMu.Unlock()

	for _, e := range candidates {
		if !c.evictable(e, p) {
			continue
		}
		if c.dropIfUnlocked(e.key) {
			c.evictions.Add(1)
			c.metrics.RecordEviction(reason)
			return true
		}
	}
	return false
}

func (c *Cache) evictLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.EvictExpired(); n > 0 {
				logger.Debug("cache: evicted %d entries", n)
			}
		}
	}
}
