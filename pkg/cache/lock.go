package cache

import (
	"sync"
	"time"

	"github.com/voidheim/dbgate/pkg/store"
)

// entityLock is one advisory lock. waiters is closed when the lock is
// released so every blocked acquirer wakes and retries.
type entityLock struct {
	owner   uint64
	count   int
	waiters chan struct{}
}

// locks is the advisory per-entity lock table. Locks are re-entrant for
// the owning session and purely advisory: they gate other Lock calls and
// shield the entry from eviction, but do not block Get or Update.
type locks struct {
	mu    sync.Mutex
	table map[Key]*entityLock
}

func newLocks() locks {
	return locks{table: make(map[Key]*entityLock)}
}

// Lock acquires the advisory lock for an entity on behalf of owner,
// blocking up to timeout if another owner holds it. Re-entrant: a second
// acquisition by the same owner increments a hold count. Returns false on
// timeout.
func (c *Cache) Lock(t store.EntityType, id uint64, owner uint64, timeout time.Duration) bool {
	key := Key{Type: t, ID: id}
	deadline := time.Now().Add(timeout)

	for {
		c.locks.mu.Lock()
		l, held := c.locks.table[key]
		if !held {
			c.locks.table[key] = &entityLock{owner: owner, count: 1}
			c.locks.mu.Unlock()
			return true
		}
		if l.owner == owner {
			l.count++
			c.locks.mu.Unlock()
			return true
		}
		if l.waiters == nil {
			l.waiters = make(chan struct{})
		}
		wait := l.waiters
		c.locks.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
			// Lock was released; race the other waiters for it.
		case <-timer.C:
			return false
		}
	}
}

// Unlock releases one hold of the advisory lock. Returns false if owner
// does not hold the lock.
func (c *Cache) Unlock(t store.EntityType, id uint64, owner uint64) bool {
	key := Key{Type: t, ID: id}

	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()

	l, held := c.locks.table[key]
	if !held || l.owner != owner {
		return false
	}
	l.count--
	if l.count > 0 {
		return true
	}
	delete(c.locks.table, key)
	if l.waiters != nil {
		close(l.waiters)
	}
	return true
}

// IsLocked reports whether any owner holds the advisory lock for the
// entity.
func (c *Cache) IsLocked(t store.EntityType, id uint64) bool {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	_, held := c.locks.table[Key{Type: t, ID: id}]
	return held
}

// ReleaseOwnerLocks drops every lock held by owner, waking waiters. Called
// when a session disconnects so its locks do not outlive it.
func (c *Cache) ReleaseOwnerLocks(owner uint64) int {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()

	n := 0
	for key, l := range c.locks.table {
		if l.owner != owner {
			continue
		}
		delete(c.locks.table, key)
		if l.waiters != nil {
			close(l.waiters)
		}
		n++
	}
	return n
}
