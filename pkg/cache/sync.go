package cache

import (
	"bytes"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// SyncEntity persists one entity to the backing store as an upsert and
// clears its dirty flag. Syncing a clean entry is a no-op that reports
// success, so repeated syncs are idempotent. Returns false if the entity
// is not cached or the write fails.
func (c *Cache) SyncEntity(t store.EntityType, id uint64) bool {
	key := Key{Type: t, ID: id}

	c.mu.RLock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.RUnlock()
		return false
	}
	if !e.dirty {
		c.mu.RUnlock()
		return true
	}
	snapshot := append([]byte(nil), e.data...)
	c.mu.RUnlock()

	res := c.pool.ExecuteQuery(store.Query{
		Type:     store.QueryUpdate,
		Entity:   t,
		EntityID: id,
		Data:     snapshot,
	})
	if !res.Success {
		logger.Warn("cache: sync %s/%d failed (%s): %s",
			t, id, res.ErrorCode, res.ErrorMessage)
		c.metrics.RecordSync("error")
		return false
	}

	// Clear the dirty flag only if the payload is still what we wrote; a
	// concurrent Update must survive until the next cycle.
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.dirty && bytes.Equal(e.data, snapshot) {
		e.dirty = false
		c.mu.Unlock()
		c.dirtyMu.Lock()
		delete(c.dirty, key)
		c.metrics.SetDirty(len(c.dirty))
		c.dirtyMu.Unlock()
	} else {
		c.mu.Unlock()
	}

	c.syncs.Add(1)
	c.metrics.RecordSync("ok")
	return true
}

// SyncDirtyEntities syncs every dirty entry and returns the number
// persisted. Failed entries stay dirty for the next cycle.
func (c *Cache) SyncDirtyEntities() int {
	c.dirtyMu.Lock()
	keys := make([]Key, 0, len(c.dirty))
	for key := range c.dirty {
		keys = append(keys, key)
	}
	c.dirtyMu.Unlock()

	n := 0
	for _, key := range keys {
		if c.SyncEntity(key.Type, key.ID) {
			n++
		}
	}
	return n
}

func (c *Cache) syncLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.SyncDirtyEntities(); n > 0 {
				logger.Debug("cache: synced %d dirty entries", n)
			}
		}
	}
}
