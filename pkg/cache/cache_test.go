package cache

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/voidheim/dbgate/pkg/pool"
	"github.com/voidheim/dbgate/pkg/store"
	"github.com/voidheim/dbgate/pkg/store/memory"
)

func newTestCache(t *testing.T, policies map[store.EntityType]Policy) (*Cache, *memory.Store) {
	t.Helper()
	mem := memory.New()
	p := pool.New(pool.Config{MaxConnections: 2}, mem.Driver(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("pool Initialize failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	return New(Config{}, policies, p, nil), mem
}

// putDirty inserts an entry and flags it for the next sync cycle.
func putDirty(c *Cache, t store.EntityType, id uint64, data []byte) {
	c.Update(t, id, data)
	c.MarkDirty(t, id)
}

func TestGetAfterPutReturnsIdenticalBytes(t *testing.T) {
	c, _ := newTestCache(t, nil)

	payload := []byte{0x01, 0x02, 0xff, 0x00, 0x7f}
	c.Put(store.EntityCharacter, 1, payload)

	got, ok := c.Get(store.EntityCharacter, 1)
	if !ok {
		t.Fatal("entity should be cached")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %x want %x", got, payload)
	}

	// The returned slice is a copy; mutating it must not affect the cache.
	got[0] = 0xaa
	again, _ := c.Get(store.EntityCharacter, 1)
	if !bytes.Equal(again, payload) {
		t.Fatal("cache payload was mutated through a returned slice")
	}
}

func TestGetMissLoadsFromStore(t *testing.T) {
	c, mem := newTestCache(t, nil)
	mem.Seed(store.EntityAccount, 42, []byte("stored-account"))

	got, ok := c.Get(store.EntityAccount, 42)
	if !ok {
		t.Fatal("miss should load from the backing store")
	}
	if string(got) != "stored-account" {
		t.Fatalf("loaded %q, want %q", got, "stored-account")
	}

	// Second lookup is a hit.
	stats := c.CacheStats()
	if stats.Loads != 1 {
		t.Fatalf("expected 1 load, got %d", stats.Loads)
	}
	if _, ok := c.Get(store.EntityAccount, 42); !ok {
		t.Fatal("loaded entity should now be cached")
	}
	if got := c.CacheStats(); got.Hits != 1 {
		t.Fatalf("expected 1 hit after reload, got %d", got.Hits)
	}
}

func TestGetMissOnMissingEntityDegrades(t *testing.T) {
	c, _ := newTestCache(t, nil)
	if _, ok := c.Get(store.EntityGuild, 999); ok {
		t.Fatal("missing entity must report not found, not error")
	}
}

// Capacity two, touch order e1,e2,e3,e1: the pressure scan must evict e2,
// the least recently used entry, and never e1. Enforcement is deferred to
// the scan, so all three entries are present until it runs.
func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, map[store.EntityType]Policy{
		store.EntityItem: {Expiration: time.Second, MaxEntries: 2, SyncOnEviction: true},
	})

	c.Put(store.EntityItem, 1, []byte("e1"))
	c.Put(store.EntityItem, 2, []byte("e2"))
	c.Put(store.EntityItem, 3, []byte("e3"))
	if _, ok := c.Get(store.EntityItem, 1); !ok {
		t.Fatal("e1 should be cached")
	}

	for _, id := range []uint64{1, 2, 3} {
		if _, ok := c.Peek(store.EntityItem, id); !ok {
			t.Fatalf("e%d should still be cached before the eviction scan", id)
		}
	}

	if n := c.EvictExpired(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	if _, ok := c.Peek(store.EntityItem, 1); !ok {
		t.Fatal("e1 was most recently used and must never be evicted")
	}
	if _, ok := c.Peek(store.EntityItem, 2); ok {
		t.Fatal("e2 was least recently used and should have been evicted")
	}
	if _, ok := c.Peek(store.EntityItem, 3); !ok {
		t.Fatal("e3 should have survived the eviction")
	}
}

func TestLockedEntryNeverEvicted(t *testing.T) {
	c, _ := newTestCache(t, map[store.EntityType]Policy{
		store.EntityCharacter: {Expiration: time.Millisecond, SyncOnEviction: true},
	})

	c.Put(store.EntityCharacter, 1, []byte("locked"))
	if !c.Lock(store.EntityCharacter, 1, 100, time.Second) {
		t.Fatal("uncontended lock should succeed")
	}

	time.Sleep(5 * time.Millisecond)
	c.EvictExpired()
	if _, ok := c.Peek(store.EntityCharacter, 1); !ok {
		t.Fatal("locked entry must never be evicted")
	}

	if !c.Unlock(store.EntityCharacter, 1, 100) {
		t.Fatal("unlock by the owner should succeed")
	}
	time.Sleep(5 * time.Millisecond)
	c.EvictExpired()
	if _, ok := c.Peek(store.EntityCharacter, 1); ok {
		t.Fatal("unlocked expired entry should be evicted")
	}
}

// A lock acquired while eviction is syncing a dirty entry must abort the
// eviction: the removal re-checks the lock table atomically with the drop.
func TestLockDuringEvictionSyncAbortsEviction(t *testing.T) {
	c, mem := newTestCache(t, map[store.EntityType]Policy{
		store.EntityCharacter: {Expiration: time.Millisecond, SyncOnEviction: true},
	})

	putDirty(c, store.EntityCharacter, 1, []byte("held"))
	time.Sleep(5 * time.Millisecond)
	mem.SetLatency(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.EvictExpired()
		close(done)
	}()

	// Take the lock while the eviction's sync write is still in flight.
	time.Sleep(50 * time.Millisecond)
	if !c.Lock(store.EntityCharacter, 1, 42, time.Second) {
		t.Fatal("lock during the eviction sync should succeed")
	}
	<-done

	if _, ok := c.Peek(store.EntityCharacter, 1); !ok {
		t.Fatal("entry locked during the eviction sync must not be evicted")
	}
}

// Random lock/evict interleavings: an entry present while its lock is held
// must stay present until the lock is released, whatever the eviction
// goroutine does in between.
func TestRandomLockEvictInterleavings(t *testing.T) {
	c, _ := newTestCache(t, map[store.EntityType]Policy{
		store.EntityItem: {Expiration: time.Millisecond, MaxEntries: 4, SyncOnEviction: true},
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.EvictExpired()
			}
		}
	}()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		id := uint64(rng.Intn(8))
		if !c.Lock(store.EntityItem, id, 7, time.Second) {
			t.Fatalf("lock of item %d failed", id)
		}
		c.Put(store.EntityItem, id, []byte("v"))
		for j := 0; j < 3; j++ {
			if _, ok := c.Peek(store.EntityItem, id); !ok {
				t.Fatalf("item %d evicted while locked (iteration %d)", id, i)
			}
		}
		c.Unlock(store.EntityItem, id, 7)
	}
	close(stop)
	wg.Wait()
}

func TestLockTimeout(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Put(store.EntityGuild, 1, []byte("g"))

	if !c.Lock(store.EntityGuild, 1, 1, time.Second) {
		t.Fatal("first lock should succeed")
	}

	start := time.Now()
	if c.Lock(store.EntityGuild, 1, 2, 50*time.Millisecond) {
		t.Fatal("contended lock must time out")
	}
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Fatalf("lock wait %v outside expected 40ms-200ms window", elapsed)
	}
}

func TestLockIsReentrantAndWakesWaiters(t *testing.T) {
	c, _ := newTestCache(t, nil)

	if !c.Lock(store.EntityItem, 1, 7, time.Second) {
		t.Fatal("first acquisition should succeed")
	}
	if !c.Lock(store.EntityItem, 1, 7, time.Second) {
		t.Fatal("re-entrant acquisition by the owner should succeed")
	}

	acquired := make(chan bool, 1)
	go func() {
		acquired <- c.Lock(store.EntityItem, 1, 8, time.Second)
	}()

	// Two holds, two unlocks needed.
	c.Unlock(store.EntityItem, 1, 7)
	select {
	case <-acquired:
		t.Fatal("waiter acquired the lock before the final unlock")
	case <-time.After(20 * time.Millisecond):
	}
	c.Unlock(store.EntityItem, 1, 7)

	select {
	case ok := <-acquired:
		if !ok {
			t.Fatal("waiter should acquire the lock after full release")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestUnlockByNonOwnerFails(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Lock(store.EntityItem, 5, 1, time.Second)
	if c.Unlock(store.EntityItem, 5, 2) {
		t.Fatal("unlock by a non-owner must fail")
	}
}

func TestReleaseOwnerLocks(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Lock(store.EntityItem, 1, 9, time.Second)
	c.Lock(store.EntityGuild, 2, 9, time.Second)
	c.Lock(store.EntityItem, 3, 10, time.Second)

	if n := c.ReleaseOwnerLocks(9); n != 2 {
		t.Fatalf("expected 2 released locks, got %d", n)
	}
	if c.IsLocked(store.EntityItem, 1) || c.IsLocked(store.EntityGuild, 2) {
		t.Fatal("owner 9 locks should be gone")
	}
	if !c.IsLocked(store.EntityItem, 3) {
		t.Fatal("owner 10 lock must survive")
	}
}

func TestSyncEntityIsIdempotent(t *testing.T) {
	c, mem := newTestCache(t, nil)

	putDirty(c, store.EntityCharacter, 1, []byte("v1"))
	if !c.SyncEntity(store.EntityCharacter, 1) {
		t.Fatal("first sync should succeed")
	}
	data, ok := mem.Lookup(store.EntityCharacter, 1)
	if !ok || string(data) != "v1" {
		t.Fatalf("store has %q, want %q", data, "v1")
	}

	// Second sync of a now-clean entry is a successful no-op.
	if !c.SyncEntity(store.EntityCharacter, 1) {
		t.Fatal("sync of a clean entry should report success")
	}
	if got := c.CacheStats(); got.Dirty != 0 {
		t.Fatalf("dirty count should be 0, got %d", got.Dirty)
	}
}

func TestSyncDirtyEntities(t *testing.T) {
	c, mem := newTestCache(t, nil)

	putDirty(c, store.EntityItem, 1, []byte("a"))
	putDirty(c, store.EntityItem, 2, []byte("b"))
	c.Put(store.EntityItem, 3, []byte("clean"))

	if n := c.SyncDirtyEntities(); n != 2 {
		t.Fatalf("expected 2 synced entries, got %d", n)
	}
	if _, ok := mem.Lookup(store.EntityItem, 1); !ok {
		t.Fatal("dirty entry 1 not persisted")
	}
	if _, ok := mem.Lookup(store.EntityItem, 3); ok {
		t.Fatal("clean entry must not be written to the store")
	}
}

func TestFailedSyncKeepsEntryDirty(t *testing.T) {
	c, mem := newTestCache(t, nil)

	putDirty(c, store.EntityItem, 1, []byte("a"))
	mem.FailNext(1)
	if c.SyncEntity(store.EntityItem, 1) {
		t.Fatal("sync should fail while the store is failing")
	}
	if got := c.CacheStats(); got.Dirty != 1 {
		t.Fatalf("entry should stay dirty after failed sync, dirty=%d", got.Dirty)
	}

	if !c.SyncEntity(store.EntityItem, 1) {
		t.Fatal("retry after store recovery should succeed")
	}
	if _, ok := mem.Lookup(store.EntityItem, 1); !ok {
		t.Fatal("entry not persisted after retry")
	}
}

func TestDirtyEntrySkippedWithoutSyncOnEviction(t *testing.T) {
	c, _ := newTestCache(t, map[store.EntityType]Policy{
		store.EntityAccount: {Expiration: time.Millisecond, SyncOnEviction: false},
	})

	putDirty(c, store.EntityAccount, 1, []byte("dirty"))
	time.Sleep(5 * time.Millisecond)
	c.EvictExpired()

	if _, ok := c.Peek(store.EntityAccount, 1); !ok {
		t.Fatal("dirty entry must be skipped when the policy forbids sync on eviction")
	}

	// Once synced it becomes evictable.
	c.SyncDirtyEntities()
	time.Sleep(5 * time.Millisecond)
	c.EvictExpired()
	if _, ok := c.Peek(store.EntityAccount, 1); ok {
		t.Fatal("clean expired entry should be evicted")
	}
}

func TestEvictionSyncsDirtyEntries(t *testing.T) {
	c, mem := newTestCache(t, map[store.EntityType]Policy{
		store.EntityGuild: {Expiration: time.Millisecond, SyncOnEviction: true},
	})

	putDirty(c, store.EntityGuild, 1, []byte("persist-me"))
	time.Sleep(5 * time.Millisecond)
	if n := c.EvictExpired(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	data, ok := mem.Lookup(store.EntityGuild, 1)
	if !ok || string(data) != "persist-me" {
		t.Fatal("evicted dirty entry must be synced to the store first")
	}
}

func TestRemoveSyncsDiscardDoesNot(t *testing.T) {
	c, mem := newTestCache(t, nil)

	putDirty(c, store.EntityCharacter, 1, []byte("keep"))
	if !c.Remove(store.EntityCharacter, 1) {
		t.Fatal("remove should succeed")
	}
	if _, ok := mem.Lookup(store.EntityCharacter, 1); !ok {
		t.Fatal("remove must sync the dirty entry first")
	}

	putDirty(c, store.EntityCharacter, 2, []byte("drop"))
	if !c.Discard(store.EntityCharacter, 2) {
		t.Fatal("discard should succeed")
	}
	if _, ok := mem.Lookup(store.EntityCharacter, 2); ok {
		t.Fatal("discard must not write to the store")
	}
	if _, ok := c.Peek(store.EntityCharacter, 2); ok {
		t.Fatal("discarded entry should be gone from the cache")
	}
}

func TestClearSyncsThenEmpties(t *testing.T) {
	c, mem := newTestCache(t, nil)

	putDirty(c, store.EntityItem, 1, []byte("x"))
	c.Put(store.EntityItem, 2, []byte("y"))
	c.Clear()

	if got := c.CacheStats(); got.Entries != 0 || got.Dirty != 0 {
		t.Fatalf("cache not empty after Clear: entries=%d dirty=%d", got.Entries, got.Dirty)
	}
	if _, ok := mem.Lookup(store.EntityItem, 1); !ok {
		t.Fatal("Clear must sync dirty entries before dropping them")
	}
}

func TestPreloadWarmsCache(t *testing.T) {
	mem := memory.New()
	mem.Seed(store.EntityGuild, 1, []byte("g1"))
	mem.Seed(store.EntityGuild, 2, []byte("g2"))

	p := pool.New(pool.Config{MaxConnections: 2}, mem.Driver(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("pool Initialize failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	c := New(Config{}, map[store.EntityType]Policy{
		store.EntityGuild: {Preload: true},
	}, p, nil)
	c.Start()
	t.Cleanup(c.Stop)

	for _, id := range []uint64{1, 2} {
		if _, ok := c.Peek(store.EntityGuild, id); !ok {
			t.Fatalf("guild %d should be preloaded", id)
		}
	}
}
