// Package pool implements the bounded backing-store connection pool.
//
// The pool owns a fixed set of store connections, executes synchronous and
// asynchronous queries on them, and manages transaction lifecycle with
// timeouts. Callers never see a connection: they hand the pool a
// store.Query and receive a QueryResult by value. Failures are return
// values, never panics.
//
// Concurrency model:
//   - the connection slice and free list are mutated only under p.mu
//   - blocked callers wait on per-caller channels (a FIFO waiter queue)
//   - a monitor goroutine pings idle connections and drives reconnection
//   - a sweep goroutine force-rolls-back expired transactions
//   - async queries run on a bounded worker set
//
// Event callbacks are invoked only after all internal locks are released.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// Config holds pool configuration. Zero values are replaced with defaults
// by applyDefaults.
type Config struct {
	// DSN is the backing-store connection string, passed verbatim to the
	// driver.
	DSN string `mapstructure:"dsn"`

	// MaxConnections is the fixed pool size.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MinConnections is the number of connections that must succeed during
	// Initialize for startup to be considered successful.
	MinConnections int `mapstructure:"min_connections" validate:"min=0"`

	// AutoReconnect enables background reconnection of failed connections.
	AutoReconnect bool `mapstructure:"auto_reconnect"`

	// MaxReconnectAttempts bounds reconnection retries per failure episode.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" validate:"min=0"`

	// PingInterval is how often the monitor pings idle connections.
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"min=0"`

	// QueryTimeout bounds a query's wait for a free connection plus its
	// execution, when the query itself does not carry a timeout.
	QueryTimeout time.Duration `mapstructure:"query_timeout" validate:"min=0"`

	// TransactionTimeout is the default transaction lifetime.
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout" validate:"min=0"`

	// TransactionSweepInterval is how often expired transactions are
	// force-rolled-back.
	TransactionSweepInterval time.Duration `mapstructure:"transaction_sweep_interval" validate:"min=0"`

	// AsyncWorkers is the number of goroutines draining the async queue.
	AsyncWorkers int `mapstructure:"async_workers" validate:"min=0"`

	// AsyncQueueSize bounds the async query queue.
	AsyncQueueSize int `mapstructure:"async_queue_size" validate:"min=0"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.MinConnections <= 0 {
		c.MinConnections = 1
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = 30 * time.Second
	}
	if c.TransactionSweepInterval <= 0 {
		c.TransactionSweepInterval = time.Second
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = 2
	}
	if c.AsyncQueueSize <= 0 {
		c.AsyncQueueSize = 256
	}
}

// PoolMetrics receives pool observability events. A nil value disables
// collection.
type PoolMetrics interface {
	SetConnections(state string, n int)
	RecordQuery(status string, d time.Duration)
	RecordWait(d time.Duration)
	SetAsyncQueueDepth(n int)
	RecordTransaction(state string)
}

type noopPoolMetrics struct{}

func (noopPoolMetrics) SetConnections(string, int)        {}
func (noopPoolMetrics) RecordQuery(string, time.Duration) {}
func (noopPoolMetrics) RecordWait(time.Duration)          {}
func (noopPoolMetrics) SetAsyncQueueDepth(int)            {}
func (noopPoolMetrics) RecordTransaction(string)          {}

// Sentinel errors returned by pool operations.
var (
	ErrPoolClosed     = errors.New("pool: closed")
	ErrAcquireTimeout = errors.New("pool: timed out waiting for a connection")
	ErrQueueFull      = errors.New("pool: async queue full")
	ErrUnknownTx      = errors.New("pool: unknown transaction")
	ErrTxNotActive    = errors.New("pool: transaction not active")
)

// Pool is the bounded connection pool. Construct with New, then call
// Initialize before issuing queries.
type Pool struct {
	cfg     Config
	driver  store.Driver
	metrics PoolMetrics

	mu      sync.Mutex
	conns   []*pooledConn
	free    []*pooledConn
	waiters []chan *pooledConn
	closed  bool

	txMu     sync.Mutex
	txs      map[uint64]*Transaction
	nextTxID atomic.Uint64

	nextQueryID atomic.Uint64

	asyncCh chan asyncQuery
	stopCh  chan struct{}
	wg      sync.WaitGroup

	events events
}

// New creates a pool over the given driver. Initialize must be called
// before the pool is used.
func New(cfg Config, driver store.Driver, m PoolMetrics) *Pool {
	cfg.applyDefaults()
	if m == nil {
		m = noopPoolMetrics{}
	}
	return &Pool{
		cfg:     cfg,
		driver:  driver,
		metrics: m,
		txs:     make(map[uint64]*Transaction),
		asyncCh: make(chan asyncQuery, cfg.AsyncQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Initialize opens MaxConnections backing-store connections and starts the
// background goroutines. It fails if fewer than MinConnections connect
// successfully; with AutoReconnect the remaining slots are retried in the
// background.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.conns != nil {
		p.mu.Unlock()
		return fmt.Errorf("pool: already initialized")
	}
	p.conns = make([]*pooledConn, 0, p.cfg.MaxConnections)
	p.mu.Unlock()

	connected := 0
	for i := 0; i < p.cfg.MaxConnections; i++ {
		pc := newPooledConn(uint64(i + 1))
		p.transition(pc, StateConnecting)

		conn, err := p.driver.Open(ctx, p.cfg.DSN)
		if err != nil {
			pc.lastError = time.Now()
			p.transition(pc, StateFailed)
			logger.Warn("pool: connection %d failed to connect: %v", pc.id, err)
		} else {
			pc.conn = conn
			pc.lastPing = time.Now()
			p.transition(pc, StateConnected)
			connected++
		}

		p.mu.Lock()
		p.conns = append(p.conns, pc)
		if pc.state == StateConnected {
			p.free = append(p.free, pc)
		}
		p.mu.Unlock()
	}

	if connected < p.cfg.MinConnections {
		p.closeAllConns()
		return fmt.Errorf("pool: only %d/%d connections established (minimum %d)",
			connected, p.cfg.MaxConnections, p.cfg.MinConnections)
	}

	logger.Info("pool: initialized with %d/%d connections (driver=%s)",
		connected, p.cfg.MaxConnections, p.driver.Name())
	p.publishConnGauges()

	p.wg.Add(2 + p.cfg.AsyncWorkers)
	go p.monitorLoop()
	go p.sweepLoop()
	for i := 0; i < p.cfg.AsyncWorkers; i++ {
		go p.asyncWorker()
	}
	return nil
}

// ExecuteQuery runs a query synchronously, blocking until a connection is
// free or the timeout elapses. Failures are reported in the QueryResult,
// never as a panic.
func (p *Pool) ExecuteQuery(q store.Query) QueryResult {
	start := time.Now()
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = p.cfg.QueryTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var res QueryResult
	if q.TxID != 0 {
		res = p.execInTx(ctx, q)
	} else {
		res = p.execPooled(ctx, q, start)
	}

	res.Duration = time.Since(start)
	if res.Success {
		p.metrics.RecordQuery("ok", res.Duration)
	} else {
		p.metrics.RecordQuery(res.ErrorCode.String(), res.Duration)
	}
	return res
}

func (p *Pool) execPooled(ctx context.Context, q store.Query, start time.Time) QueryResult {
	pc, err := p.acquire(ctx)
	p.metrics.RecordWait(time.Since(start))
	if err != nil {
		// Pool exhaustion and closed-pool errors surface as CONNECT.
		return failure(store.ErrCodeConnect, err.Error())
	}

	res, err := pc.conn.Exec(ctx, q)
	if err != nil {
		p.releaseAfterError(pc, err)
		return failureFromErr(q, err)
	}

	p.release(pc)
	return success(res)
}

func (p *Pool) execInTx(ctx context.Context, q store.Query) QueryResult {
	tx, err := p.lookupTx(q.TxID)
	if err != nil {
		return failure(store.ErrCodeTransaction, err.Error())
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxStarted {
		return failure(store.ErrCodeTransaction,
			fmt.Sprintf("transaction %d is %s", tx.id, tx.state))
	}
	if time.Now().After(tx.deadline) {
		return failure(store.ErrCodeTransaction,
			fmt.Sprintf("transaction %d expired", tx.id))
	}

	res, err := tx.conn.conn.Exec(ctx, q)
	if err != nil {
		return failureFromErr(q, err)
	}
	return success(res)
}

// acquire pops a healthy free connection, or joins the waiter queue until
// one is released or the context expires.
func (p *Pool) acquire(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if pc := p.popFreeLocked(); pc != nil {
		pc.inUse = true
		p.mu.Unlock()
		return pc, nil
	}

	waiter := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case pc := <-waiter:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		return pc, nil
	case <-ctx.Done():
		if !p.removeWaiter(waiter) {
			// A release (or Close) already popped this waiter, so a
			// hand-off is in flight and the send is guaranteed. Take it
			// and put the connection back.
			if pc := <-waiter; pc != nil {
				p.release(pc)
			}
		}
		return nil, ErrAcquireTimeout
	}
}

// popFreeLocked pops the most recently released healthy connection.
// Callers hold p.mu.
func (p *Pool) popFreeLocked() *pooledConn {
	for len(p.free) > 0 {
		n := len(p.free) - 1
		pc := p.free[n]
		p.free = p.free[:n]
		if pc.state == StateConnected {
			return pc
		}
	}
	return nil
}

// release returns a connection to the pool, handing it to the oldest waiter
// if one is queued.
func (p *Pool) release(pc *pooledConn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	pc.inUse = false

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.inUse = true
		p.mu.Unlock()
		waiter <- pc
		return
	}

	p.free = append(p.free, pc)
	p.mu.Unlock()
	p.publishConnGauges()
}

// releaseAfterError checks whether the connection is still healthy after a
// query error. Dead connections are marked Failed and left to the monitor;
// healthy ones go back to the free list.
func (p *Pool) releaseAfterError(pc *pooledConn, execErr error) {
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pc.conn.Ping(pingCtx); err != nil {
		logger.Warn("pool: connection %d unhealthy after query error (%v): %v",
			pc.id, execErr, err)
		pc.lastError = time.Now()
		p.mu.Lock()
		pc.inUse = false
		p.mu.Unlock()
		p.transition(pc, StateFailed)
		p.publishConnGauges()
		return
	}
	p.release(pc)
}

// removeWaiter takes a waiter out of the queue. A false return means the
// waiter is no longer queued: a release or Close popped it first and will
// send on the channel, so the caller must receive that hand-off.
func (p *Pool) removeWaiter(ch chan *pooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Close shuts the pool down: open transactions are rolled back, waiters are
// woken with ErrPoolClosed, background goroutines are joined and all
// connections are closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopCh)
	for _, w := range waiters {
		close(w)
	}

	p.rollbackAllTxs()
	p.wg.Wait()
	p.closeAllConns()

	logger.Info("pool: closed")
	return nil
}

func (p *Pool) closeAllConns() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.free = nil
	p.mu.Unlock()

	for _, pc := range conns {
		if pc.conn != nil {
			pc.conn.Close()
		}
		pc.state = StateDisconnected
	}
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Connected     int
	Failed        int
	InUse         int
	Waiters       int
	OpenTxs       int
	AsyncQueueLen int
}

// PoolStats returns a snapshot of the pool's current state.
func (p *Pool) PoolStats() Stats {
	p.mu.Lock()
	s := Stats{Waiters: len(p.waiters), AsyncQueueLen: len(p.asyncCh)}
	for _, pc := range p.conns {
		switch {
		case pc.inUse:
			s.InUse++
		case pc.state == StateConnected:
			s.Connected++
		default:
			s.Failed++
		}
	}
	p.mu.Unlock()

	p.txMu.Lock()
	s.OpenTxs = len(p.txs)
	p.txMu.Unlock()
	return s
}

func (p *Pool) publishConnGauges() {
	s := p.PoolStats()
	p.metrics.SetConnections("connected", s.Connected)
	p.metrics.SetConnections("in_use", s.InUse)
	p.metrics.SetConnections("failed", s.Failed)
}
