package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voidheim/dbgate/pkg/store"
	"github.com/voidheim/dbgate/pkg/store/memory"
)

func newTestPool(t *testing.T, mem *memory.Store, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, mem.Driver(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestExecuteQueryRoundTrip(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 2})

	payload := []byte("hero-serialized-state")
	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCreate, Entity: store.EntityCharacter, EntityID: 7, Data: payload,
	})
	if !res.Success {
		t.Fatalf("create failed: %s (%s)", res.ErrorMessage, res.ErrorCode)
	}

	res = p.ExecuteQuery(store.Query{
		Type: store.QueryRead, Entity: store.EntityCharacter, EntityID: 7,
	})
	if !res.Success {
		t.Fatalf("read failed: %s", res.ErrorMessage)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
}

func TestExecuteQueryNotFound(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 1})

	res := p.ExecuteQuery(store.Query{
		Type: store.QueryRead, Entity: store.EntityAccount, EntityID: 999,
	})
	if res.Success {
		t.Fatal("read of missing entity should fail")
	}
	if res.ErrorCode != store.ErrCodeNotFound {
		t.Fatalf("expected NOTFOUND, got %s", res.ErrorCode)
	}
}

func TestInitializeFailsBelowMinConnections(t *testing.T) {
	mem := memory.New()
	p := New(Config{DSN: "unreachable", MaxConnections: 2, MinConnections: 2}, mem.Driver(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Initialize(ctx); err == nil {
		t.Fatal("Initialize should fail when no connection can be established")
	}
}

// With 2 connections and 4 concurrent 100ms queries, the second wave has
// to wait for the first, so total wall time is at least two query
// latencies and every query still succeeds.
func TestPoolExhaustionQueuesCallers(t *testing.T) {
	mem := memory.New()
	mem.SetLatency(100 * time.Millisecond)
	p := newTestPool(t, mem, Config{MaxConnections: 2, QueryTimeout: 5 * time.Second})

	start := time.Now()
	var wg sync.WaitGroup
	failures := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			res := p.ExecuteQuery(store.Query{
				Type: store.QueryUpdate, Entity: store.EntityItem, EntityID: id, Data: []byte("x"),
			})
			if !res.Success {
				failures <- res.ErrorMessage
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	close(failures)

	for msg := range failures {
		t.Fatalf("query failed under contention: %s", msg)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("4 queries on 2 connections finished in %v, expected >= 200ms", elapsed)
	}
}

func TestAcquireTimeoutSurfacesAsConnectError(t *testing.T) {
	mem := memory.New()
	mem.SetLatency(200 * time.Millisecond)
	p := newTestPool(t, mem, Config{MaxConnections: 1, QueryTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.ExecuteQuery(store.Query{Type: store.QueryCount, Entity: store.EntityItem})
	}()
	time.Sleep(20 * time.Millisecond) // let the first query take the connection

	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCount, Entity: store.EntityItem, Timeout: 50 * time.Millisecond,
	})
	wg.Wait()

	if res.Success {
		t.Fatal("query should time out waiting for the only connection")
	}
	if res.ErrorCode != store.ErrCodeConnect {
		t.Fatalf("expected CONNECT error code, got %s", res.ErrorCode)
	}
}

// A waiter that times out while a release is already handing it a
// connection must take the hand-off and put the connection back; the slot
// may never stay in-use for an acquirer that gave up.
func TestTimedOutWaiterNeverLeaksConnection(t *testing.T) {
	mem := memory.New()
	mem.SetLatency(2 * time.Millisecond)
	p := newTestPool(t, mem, Config{MaxConnections: 1})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.ExecuteQuery(store.Query{
				Type:    store.QueryCustom,
				Text:    "maintenance",
				Timeout: time.Duration(1+i%3) * time.Millisecond,
			})
		}(i)
	}
	wg.Wait()

	if st := p.PoolStats(); st.InUse != 0 {
		t.Fatalf("connections leaked after timed-out waiters: in_use=%d", st.InUse)
	}

	mem.SetLatency(0)
	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCustom, Text: "maintenance", Timeout: time.Second,
	})
	if !res.Success {
		t.Fatalf("pool should still serve queries: %s", res.ErrorMessage)
	}
}

func TestTransactionCommitThenRollbackFails(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 2})

	txID, err := p.BeginTransaction(time.Second)
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}

	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCreate, Entity: store.EntityGuild, EntityID: 1,
		Data: []byte("guild"), TxID: txID,
	})
	if !res.Success {
		t.Fatalf("create in transaction failed: %s", res.ErrorMessage)
	}

	if err := p.CommitTransaction(txID); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, ok := mem.Lookup(store.EntityGuild, 1); !ok {
		t.Fatal("committed write should be visible in the store")
	}

	err = p.RollbackTransaction(txID)
	if err == nil {
		t.Fatal("rollback after commit must fail")
	}
	if !errors.Is(err, ErrUnknownTx) && !errors.Is(err, ErrTxNotActive) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTransactionWritesInvisibleUntilCommit(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 2})

	txID, err := p.BeginTransaction(time.Second)
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCreate, Entity: store.EntityAccount, EntityID: 5,
		Data: []byte("acct"), TxID: txID,
	})
	if !res.Success {
		t.Fatalf("create failed: %s", res.ErrorMessage)
	}

	if _, ok := mem.Lookup(store.EntityAccount, 5); ok {
		t.Fatal("uncommitted write must not be visible")
	}
	if err := p.RollbackTransaction(txID); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if _, ok := mem.Lookup(store.EntityAccount, 5); ok {
		t.Fatal("rolled-back write must not be visible")
	}
}

func TestExecuteInTransactionAtomicity(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 2})

	ok := p.ExecuteInTransaction([]store.Query{
		{Type: store.QueryCreate, Entity: store.EntityItem, EntityID: 10, Data: []byte("sword")},
		{Type: store.QueryCustom, Text: "error scripted failure"},
	}, time.Second)
	if ok {
		t.Fatal("batch with a failing query must report failure")
	}
	if _, found := mem.Lookup(store.EntityItem, 10); found {
		t.Fatal("failed batch must leave no partial writes")
	}

	ok = p.ExecuteInTransaction([]store.Query{
		{Type: store.QueryCreate, Entity: store.EntityItem, EntityID: 11, Data: []byte("shield")},
		{Type: store.QueryCreate, Entity: store.EntityItem, EntityID: 12, Data: []byte("potion")},
	}, time.Second)
	if !ok {
		t.Fatal("batch of valid queries should commit")
	}
	if _, found := mem.Lookup(store.EntityItem, 11); !found {
		t.Fatal("committed batch write missing")
	}
	if _, found := mem.Lookup(store.EntityItem, 12); !found {
		t.Fatal("committed batch write missing")
	}
}

func TestExpiredTransactionIsSweptAndRolledBack(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{
		MaxConnections:           2,
		TransactionSweepInterval: 20 * time.Millisecond,
	})

	expired := make(chan uint64, 1)
	p.OnTransactionExpired(func(txID uint64) {
		select {
		case expired <- txID:
		default:
		}
	})

	txID, err := p.BeginTransaction(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCreate, Entity: store.EntityGuild, EntityID: 3,
		Data: []byte("doomed"), TxID: txID,
	})
	if !res.Success {
		t.Fatalf("create failed: %s", res.ErrorMessage)
	}

	select {
	case id := <-expired:
		if id != txID {
			t.Fatalf("expired callback got tx %d, want %d", id, txID)
		}
	case <-time.After(time.Second):
		t.Fatal("transaction was not swept within 1s")
	}

	if err := p.CommitTransaction(txID); err == nil {
		t.Fatal("commit after forced rollback must fail")
	}
	if _, ok := mem.Lookup(store.EntityGuild, 3); ok {
		t.Fatal("swept transaction must not persist its writes")
	}
}

func TestExecuteQueryAsync(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 2})

	done := make(chan QueryResult, 1)
	id, err := p.ExecuteQueryAsync(store.Query{
		Type: store.QueryUpdate, Entity: store.EntityAccount, EntityID: 1, Data: []byte("a"),
	}, func(queryID uint64, res QueryResult) {
		done <- res
	})
	if err != nil {
		t.Fatalf("ExecuteQueryAsync failed: %v", err)
	}
	if id == 0 {
		t.Fatal("query id should be non-zero")
	}

	select {
	case res := <-done:
		if !res.Success {
			t.Fatalf("async query failed: %s", res.ErrorMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("async callback not invoked within 1s")
	}

	if _, ok := mem.Lookup(store.EntityAccount, 1); !ok {
		t.Fatal("async write missing from store")
	}
}

func TestAsyncQueueRejectsWhenFull(t *testing.T) {
	mem := memory.New()
	// Not initialized: no workers drain the queue, so the bound is exact.
	p := New(Config{AsyncQueueSize: 1}, mem.Driver(), nil)

	if _, err := p.ExecuteQueryAsync(store.Query{Type: store.QueryCount, Entity: store.EntityItem}, nil); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	_, err := p.ExecuteQueryAsync(store.Query{Type: store.QueryCount, Entity: store.EntityItem}, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPerQueryTimeout(t *testing.T) {
	mem := memory.New()
	p := newTestPool(t, mem, Config{MaxConnections: 1})

	res := p.ExecuteQuery(store.Query{
		Type: store.QueryCustom, Text: "sleep 500ms", Timeout: 50 * time.Millisecond,
	})
	if res.Success {
		t.Fatal("query sleeping past its timeout must fail")
	}
}

func TestCloseRejectsFurtherQueries(t *testing.T) {
	mem := memory.New()
	p := New(Config{MaxConnections: 1}, mem.Driver(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	res := p.ExecuteQuery(store.Query{Type: store.QueryCount, Entity: store.EntityItem})
	if res.Success {
		t.Fatal("query on a closed pool must fail")
	}

	if _, err := p.ExecuteQueryAsync(store.Query{Type: store.QueryCount, Entity: store.EntityItem}, nil); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
