// Package memory provides an in-memory backing store. It is the default
// store for development and the workhorse of the test suite: it honors the
// full Conn contract (transactions included) and exposes a couple of hooks
// for scripting latency and failures.
package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voidheim/dbgate/pkg/store"
)

// Store holds the shared table data. All connections opened from the same
// Store see the same data, mirroring how a real database server behaves
// behind a pool of connections.
type Store struct {
	mu     sync.RWMutex
	tables map[store.EntityType]map[uint64][]byte

	// latency is applied to every Exec, simulating query execution time.
	latency time.Duration

	// failNext makes the next N Exec calls fail. Test hook.
	failNext int
}

// New creates an empty in-memory store with tables for every known entity
// type.
func New() *Store {
	tables := make(map[store.EntityType]map[uint64][]byte)
	for _, t := range store.EntityTypes() {
		tables[t] = make(map[uint64][]byte)
	}
	return &Store{tables: tables}
}

// SetLatency makes every subsequent Exec sleep for d before executing.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext makes the next n Exec calls return a GENERAL error.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Seed inserts an entity directly, bypassing the query path.
func (s *Store) Seed(t store.EntityType, id uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t][id] = append([]byte(nil), data...)
}

// Lookup reads an entity directly, bypassing the query path.
func (s *Store) Lookup(t store.EntityType, id uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.tables[t][id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of stored entities of type t.
func (s *Store) Len(t store.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[t])
}

// Driver returns a store.Driver whose connections share this Store's data.
func (s *Store) Driver() store.Driver {
	return &driver{store: s}
}

type driver struct {
	store *Store
}

func (d *driver) Name() string { return "memory" }

func (d *driver) Open(ctx context.Context, dsn string) (store.Conn, error) {
	// The dsn is ignored except for the "unreachable" marker used by
	// connect-failure tests.
	if strings.Contains(dsn, "unreachable") {
		return nil, fmt.Errorf("memory store: host unreachable: %s", dsn)
	}
	return &conn{store: d.store}, nil
}

// writeOp is a staged mutation inside an open transaction.
type writeOp struct {
	entity store.EntityType
	id     uint64
	data   []byte // nil means delete
}

type conn struct {
	store  *Store
	inTx   bool
	staged []writeOp
	closed bool
}

func (c *conn) Ping(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("memory store: connection closed")
	}
	return nil
}

func (c *conn) Close() error {
	c.closed = true
	c.staged = nil
	return nil
}

func (c *conn) Begin(ctx context.Context) error {
	if c.inTx {
		return fmt.Errorf("memory store: transaction already open")
	}
	c.inTx = true
	c.staged = nil
	return nil
}

func (c *conn) Commit(ctx context.Context) error {
	if !c.inTx {
		return fmt.Errorf("memory store: no open transaction")
	}
	c.store.mu.Lock()
	for _, op := range c.staged {
		if op.data == nil {
			delete(c.store.tables[op.entity], op.id)
		} else {
			c.store.tables[op.entity][op.id] = op.data
		}
	}
	c.store.mu.Unlock()
	c.inTx = false
	c.staged = nil
	return nil
}

func (c *conn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return fmt.Errorf("memory store: no open transaction")
	}
	c.inTx = false
	c.staged = nil
	return nil
}

func (c *conn) Exec(ctx context.Context, q store.Query) (*store.Result, error) {
	if c.closed {
		return nil, fmt.Errorf("memory store: connection closed")
	}

	c.store.mu.Lock()
	latency := c.store.latency
	fail := false
	if c.store.failNext > 0 {
		c.store.failNext--
		fail = true
	}
	c.store.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("memory store: scripted failure")
	}

	switch q.Type {
	case store.QueryCreate:
		if _, ok := c.lookup(q.Entity, q.EntityID); ok {
			return nil, fmt.Errorf("create %s/%d: %w", q.Entity, q.EntityID, store.ErrDuplicate)
		}
		c.write(q.Entity, q.EntityID, append([]byte(nil), q.Data...))
		return &store.Result{AffectedRows: 1, LastInsertID: q.EntityID}, nil

	case store.QueryRead:
		data, ok := c.lookup(q.Entity, q.EntityID)
		if !ok {
			return nil, fmt.Errorf("read %s/%d: %w", q.Entity, q.EntityID, store.ErrNotFound)
		}
		return rowResult(q.EntityID, data), nil

	case store.QueryUpdate:
		// Update is an upsert: the cache sync path relies on it.
		c.write(q.Entity, q.EntityID, append([]byte(nil), q.Data...))
		return &store.Result{AffectedRows: 1}, nil

	case store.QueryDelete:
		if _, ok := c.lookup(q.Entity, q.EntityID); !ok {
			return nil, fmt.Errorf("delete %s/%d: %w", q.Entity, q.EntityID, store.ErrNotFound)
		}
		c.write(q.Entity, q.EntityID, nil)
		return &store.Result{AffectedRows: 1}, nil

	case store.QueryList, store.QuerySearch:
		return c.list(q.Entity), nil

	case store.QueryCount:
		c.store.mu.RLock()
		n := len(c.store.tables[q.Entity])
		c.store.mu.RUnlock()
		return &store.Result{
			Columns: []string{"count"},
			Rows:    [][]string{{strconv.Itoa(n)}},
		}, nil

	case store.QueryCustom:
		return c.custom(ctx, q.Text)

	default:
		return nil, fmt.Errorf("memory store: unsupported query type %v", q.Type)
	}
}

// custom interprets the tiny command grammar used by maintenance and tests:
//
//	sleep <duration>   block for the given duration
//	error <message>    fail with the given message
//	maintenance        no-op, succeeds
func (c *conn) custom(ctx context.Context, text string) (*store.Result, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, fmt.Errorf("memory store: empty custom query")
	}

	switch fields[0] {
	case "sleep":
		if len(fields) != 2 {
			return nil, fmt.Errorf("memory store: sleep wants a duration")
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, fmt.Errorf("memory store: bad sleep duration: %w", err)
		}
		select {
		case <-time.After(d):
			return &store.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case "error":
		return nil, fmt.Errorf("memory store: %s", strings.Join(fields[1:], " "))

	case "maintenance":
		return &store.Result{}, nil

	default:
		return nil, fmt.Errorf("memory store: unknown custom query %q", fields[0])
	}
}

// lookup reads through staged transaction writes first so queries inside a
// transaction observe their own uncommitted effects.
func (c *conn) lookup(t store.EntityType, id uint64) ([]byte, bool) {
	if c.inTx {
		for i := len(c.staged) - 1; i >= 0; i-- {
			op := c.staged[i]
			if op.entity == t && op.id == id {
				return op.data, op.data != nil
			}
		}
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	data, ok := c.store.tables[t][id]
	return data, ok
}

func (c *conn) write(t store.EntityType, id uint64, data []byte) {
	if c.inTx {
		c.staged = append(c.staged, writeOp{entity: t, id: id, data: data})
		return
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if data == nil {
		delete(c.store.tables[t], id)
	} else {
		c.store.tables[t][id] = data
	}
}

func (c *conn) list(t store.EntityType) *store.Result {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	res := &store.Result{Columns: []string{"id", "data"}}
	for id, data := range c.store.tables[t] {
		res.Rows = append(res.Rows, []string{
			strconv.FormatUint(id, 10),
			hex.EncodeToString(data),
		})
	}
	return res
}

func rowResult(id uint64, data []byte) *store.Result {
	return &store.Result{
		Columns: []string{"id", "data"},
		Rows: [][]string{{
			strconv.FormatUint(id, 10),
			hex.EncodeToString(data),
		}},
	}
}
