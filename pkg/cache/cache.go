// Package cache implements the entity cache that sits between packet
// handlers and the connection pool.
//
// Entries are keyed by (entity type, id) and carry an opaque serialized
// payload. Misses load synchronously through the pool; entries marked
// dirty are drained to the backing store by a periodic sync goroutine as
// per-entity upserts. Eviction combines per-type idle
// expiration with LRU pressure relief once a type crosses its configured
// fill threshold.
//
// Lock discipline: the entry map is guarded by a read-write mutex (shared
// for lookups, exclusive for structural changes); the LRU list, the dirty
// set and the advisory lock table each have their own mutex so that reads
// are not serialized behind bookkeeping. Entry payloads are copied on the
// way in and out: callers never hold references into the cache.
package cache

import (
	"container/list"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/pool"
	"github.com/voidheim/dbgate/pkg/store"
)

// Key identifies a cached entity.
type Key struct {
	Type store.EntityType
	ID   uint64
}

type entry struct {
	key        Key
	data       []byte
	size       int
	lastAccess atomic.Int64 // unix nanos, updated under the read lock
	dirty      bool
	elem       *list.Element
}

// Config holds cache-wide settings. Per-type behavior lives in Policy.
type Config struct {
	// SyncInterval is how often dirty entries are drained to the store.
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"min=0"`

	// EvictInterval is how often the eviction scan runs.
	EvictInterval time.Duration `mapstructure:"evict_interval" validate:"min=0"`
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = 10 * time.Second
	}
}

// CacheMetrics receives cache observability events. A nil value disables
// collection.
type CacheMetrics interface {
	RecordLookup(outcome string)
	RecordEviction(reason string)
	RecordSync(status string)
	SetEntries(entity string, n int)
	SetDirty(n int)
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) RecordLookup(string)    {}
func (noopCacheMetrics) RecordEviction(string)  {}
func (noopCacheMetrics) RecordSync(string)      {}
func (noopCacheMetrics) SetEntries(string, int) {}
func (noopCacheMetrics) SetDirty(int)           {}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Loads     uint64
	Evictions uint64
	Syncs     uint64
}

// Cache is the entity cache. Construct with New; call Start to launch the
// sync and eviction goroutines and Stop to join them.
type Cache struct {
	cfg      Config
	policies map[store.EntityType]Policy
	pool     *pool.Pool
	metrics  CacheMetrics

	mu      sync.RWMutex
	entries map[Key]*entry

	lruMu sync.Mutex
	lru   *list.List // front = most recently used

	dirtyMu sync.Mutex
	dirty   map[Key]struct{}

	locks locks

	hits      atomic.Uint64
	misses    atomic.Uint64
	loads     atomic.Uint64
	evictions atomic.Uint64
	syncs     atomic.Uint64

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a cache over the given pool. policies may cover a subset of
// entity types; the rest get DefaultPolicy.
func New(cfg Config, policies map[store.EntityType]Policy, p *pool.Pool, m CacheMetrics) *Cache {
	cfg.applyDefaults()
	if m == nil {
		m = noopCacheMetrics{}
	}
	return &Cache{
		cfg:      cfg,
		policies: normalizePolicies(policies),
		pool:     p,
		metrics:  m,
		entries:  make(map[Key]*entry),
		lru:      list.New(),
		dirty:    make(map[Key]struct{}),
		locks:    newLocks(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic sync and eviction goroutines and preloads
// entity types whose policy requests it.
func (c *Cache) Start() {
	c.preload()

	c.wg.Add(2)
	go c.syncLoop()
	go c.evictLoop()
	logger.Info("cache: started (sync every %v, evict every %v)",
		c.cfg.SyncInterval, c.cfg.EvictInterval)
}

// Stop syncs remaining dirty entries once and joins the background
// goroutines. Safe to call multiple times.
func (c *Cache) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		if n := c.SyncDirtyEntities(); n > 0 {
			logger.Info("cache: synced %d dirty entries on shutdown", n)
		}
	})
}

// Put inserts an entry and resets its LRU position. It does not mark the
// entry dirty: callers that want the write persisted call MarkDirty.
func (c *Cache) Put(t store.EntityType, id uint64, data []byte) {
	c.insert(t, id, data)
}

// Update replaces an entry's payload and resets its LRU position. Like
// Put it does not mark the entry dirty.
func (c *Cache) Update(t store.EntityType, id uint64, data []byte) {
	c.insert(t, id, data)
}

func (c *Cache) insert(t store.EntityType, id uint64, data []byte) {
	key := Key{Type: t, ID: id}
	cp := append([]byte(nil), data...)

	c.mu.Lock()
	e, exists := c.entries[key]
	if exists {
		e.data = cp
		e.size = len(cp)
	} else {
		e = &entry{key: key, data: cp, size: len(cp)}
		c.entries[key] = e
	}
	e.lastAccess.Store(time.Now().UnixNano())
	c.mu.Unlock()

	c.touchLRU(e, !exists)

	if !exists {
		c.publishEntryGauge(t)
	}
}

// Get returns a copy of the entity's payload. On a cache miss the entity
// is loaded synchronously through the pool and inserted; a backing-store
// miss (or load failure) degrades to "not found" rather than an error.
func (c *Cache) Get(t store.EntityType, id uint64) ([]byte, bool) {
	key := Key{Type: t, ID: id}

	c.mu.RLock()
	e, ok := c.entries[key]
	if ok {
		data := append([]byte(nil), e.data...)
		e.lastAccess.Store(time.Now().UnixNano())
		c.mu.RUnlock()
		c.touchLRU(e, false)
		c.hits.Add(1)
		c.metrics.RecordLookup("hit")
		return data, true
	}
	c.mu.RUnlock()

	c.misses.Add(1)
	c.metrics.RecordLookup("miss")
	return c.load(t, id)
}

// Peek returns a copy of the payload without touching LRU order or
// loading on miss. Used by the sync path and tests.
func (c *Cache) Peek(t store.EntityType, id uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Key{Type: t, ID: id}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// load fetches an entity from the backing store and inserts it clean.
func (c *Cache) load(t store.EntityType, id uint64) ([]byte, bool) {
	res := c.pool.ExecuteQuery(store.Query{Type: store.QueryRead, Entity: t, EntityID: id})
	if !res.Success {
		if res.ErrorCode != store.ErrCodeNotFound {
			logger.Warn("cache: load %s/%d failed (%s): %s",
				t, id, res.ErrorCode, res.ErrorMessage)
			c.metrics.RecordLookup("load_failed")
		}
		return nil, false
	}

	data, ok := decodeEntityRow(res)
	if !ok {
		logger.Warn("cache: load %s/%d returned malformed row", t, id)
		return nil, false
	}

	c.loads.Add(1)
	c.metrics.RecordLookup("load")
	c.insert(t, id, data)
	return data, true
}

// MarkDirty flags an existing entry for the next sync cycle. Returns false
// if the entity is not cached.
func (c *Cache) MarkDirty(t store.EntityType, id uint64) bool {
	key := Key{Type: t, ID: id}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e.dirty = true
	c.mu.Unlock()

	c.dirtyMu.Lock()
	c.dirty[key] = struct{}{}
	c.metrics.SetDirty(len(c.dirty))
	c.dirtyMu.Unlock()
	return true
}

// Remove deletes an entry, syncing it first if dirty. A failed sync keeps
// the entry (and its dirty flag) in place.
func (c *Cache) Remove(t store.EntityType, id uint64) bool {
	key := Key{Type: t, ID: id}

	c.mu.RLock()
	e, ok := c.entries[key]
	dirty := ok && e.dirty
	c.mu.RUnlock()
	if !ok {
		return false
	}

	if dirty {
		if !c.SyncEntity(t, id) {
			logger.Warn("cache: remove %s/%d deferred, sync failed", t, id)
			return false
		}
	}
	return c.drop(key)
}

// Discard deletes an entry without syncing, dropping any dirty state.
func (c *Cache) Discard(t store.EntityType, id uint64) bool {
	return c.drop(Key{Type: t, ID: id})
}

// dropIfUnlocked removes the entry unless an advisory lock appeared since
// the caller's eviction check. The lock table mutex is held across the
// re-check and the removal, so a concurrent Lock either lands first and
// aborts the eviction, or finds the entry already gone.
func (c *Cache) dropIfUnlocked(key Key) bool {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	if _, held := c.locks.table[key]; held {
		return false
	}
	return c.drop(key)
}

// drop removes the entry from every structure.
func (c *Cache) drop(key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	c.mu.Unlock()

	c.lruMu.Lock()
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	c.lruMu.Unlock()

	c.dirtyMu.Lock()
	delete(c.dirty, key)
	c.metrics.SetDirty(len(c.dirty))
	c.dirtyMu.Unlock()

	c.publishEntryGauge(key.Type)
	return true
}

// Clear syncs all dirty entries and empties the cache. Entries whose sync
// fails are dropped anyway: Clear is a full reset.
func (c *Cache) Clear() {
	c.SyncDirtyEntities()

	c.mu.Lock()
	c.entries = make(map[Key]*entry)
	c.mu.Unlock()

	c.lruMu.Lock()
	c.lru.Init()
	c.lruMu.Unlock()

	c.dirtyMu.Lock()
	c.dirty = make(map[Key]struct{})
	c.metrics.SetDirty(0)
	c.dirtyMu.Unlock()

	for _, t := range store.EntityTypes() {
		c.publishEntryGauge(t)
	}
}

// CacheStats returns a snapshot of the cache counters.
func (c *Cache) CacheStats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	c.dirtyMu.Lock()
	dirty := len(c.dirty)
	c.dirtyMu.Unlock()

	return Stats{
		Entries:   entries,
		Dirty:     dirty,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
		Syncs:     c.syncs.Load(),
	}
}

// touchLRU moves (or inserts) the entry at the front of the LRU list.
func (c *Cache) touchLRU(e *entry, isNew bool) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if e.elem == nil {
		if isNew {
			e.elem = c.lru.PushFront(e)
		}
		return
	}
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) countByType(t store.EntityType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for key := range c.entries {
		if key.Type == t {
			n++
		}
	}
	return n
}

func (c *Cache) publishEntryGauge(t store.EntityType) {
	c.metrics.SetEntries(string(t), c.countByType(t))
}

// preload warms types whose policy requests it with a List query.
func (c *Cache) preload() {
	for t, p := range c.policies {
		if !p.Preload {
			continue
		}
		res := c.pool.ExecuteQuery(store.Query{Type: store.QueryList, Entity: t})
		if !res.Success {
			logger.Warn("cache: preload of %s failed (%s): %s",
				t, res.ErrorCode, res.ErrorMessage)
			continue
		}
		n := 0
		for _, row := range res.Rows {
			if len(row) < 2 {
				continue
			}
			id, err := strconv.ParseUint(row[0], 10, 64)
			if err != nil {
				continue
			}
			data, err := hex.DecodeString(row[1])
			if err != nil {
				continue
			}
			c.insert(t, id, data)
			n++
		}
		logger.Info("cache: preloaded %d %s entities", n, t)
	}
}

// decodeEntityRow extracts the payload from a single-entity result
// (columns id, data with the payload hex encoded).
func decodeEntityRow(res pool.QueryResult) ([]byte, bool) {
	if len(res.Rows) == 0 || len(res.Rows[0]) < 2 {
		return nil, false
	}
	data, err := hex.DecodeString(res.Rows[0][1])
	if err != nil {
		return nil, false
	}
	return data, true
}
