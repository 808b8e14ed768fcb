package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// TxState is the lifecycle state of a pool transaction.
type TxState int

const (
	TxNone TxState = iota
	TxStarted
	TxCommitted
	TxRolledBack
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxNone:
		return "none"
	case TxStarted:
		return "started"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transaction pins one pooled connection for its whole lifetime, which is
// what gives statements under the same transaction id their atomicity.
// Terminal states release the connection and remove the transaction from
// the table, so Commit-then-Rollback on the same id fails.
type Transaction struct {
	id       uint64
	mu       sync.Mutex
	state    TxState
	conn     *pooledConn
	started  time.Time
	deadline time.Time
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// BeginTransaction acquires a connection, opens a store transaction on it
// and registers it in the transaction table. The timeout bounds the
// transaction's lifetime; zero means the configured default.
func (p *Pool) BeginTransaction(timeout time.Duration) (uint64, error) {
	if timeout <= 0 {
		timeout = p.cfg.TransactionTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.QueryTimeout)
	defer cancel()

	pc, err := p.acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	if err := pc.conn.Begin(ctx); err != nil {
		p.releaseAfterError(pc, err)
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	now := time.Now()
	tx := &Transaction{
		id:       p.nextTxID.Add(1),
		state:    TxStarted,
		conn:     pc,
		started:  now,
		deadline: now.Add(timeout),
	}

	p.txMu.Lock()
	p.txs[tx.id] = tx
	p.txMu.Unlock()

	logger.Debug("pool: transaction %d started (timeout %v)", tx.id, timeout)
	return tx.id, nil
}

// CommitTransaction commits and removes the transaction. Committing a
// transaction that is not in Started state (or no longer exists) fails.
func (p *Pool) CommitTransaction(id uint64) error {
	return p.finishTx(id, true)
}

// RollbackTransaction rolls back and removes the transaction.
func (p *Pool) RollbackTransaction(id uint64) error {
	return p.finishTx(id, false)
}

func (p *Pool) finishTx(id uint64, commit bool) error {
	tx, err := p.lookupTx(id)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxStarted {
		return fmt.Errorf("%w: transaction %d is %s", ErrTxNotActive, id, tx.state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.QueryTimeout)
	defer cancel()

	var opErr error
	if commit {
		opErr = tx.conn.conn.Commit(ctx)
	} else {
		opErr = tx.conn.conn.Rollback(ctx)
	}

	if opErr != nil {
		tx.state = TxFailed
		p.metrics.RecordTransaction("failed")
		p.removeTx(id)
		p.releaseAfterError(tx.conn, opErr)
		return fmt.Errorf("pool: transaction %d: %w", id, opErr)
	}

	if commit {
		tx.state = TxCommitted
		p.metrics.RecordTransaction("committed")
	} else {
		tx.state = TxRolledBack
		p.metrics.RecordTransaction("rolled_back")
	}
	p.removeTx(id)
	p.release(tx.conn)
	logger.Debug("pool: transaction %d %s", id, tx.state)
	return nil
}

// ExecuteInTransaction runs the queries atomically: a new transaction is
// opened, every query executes on its connection, and any failure rolls the
// whole batch back. Returns true only if every query succeeded and the
// commit went through.
func (p *Pool) ExecuteInTransaction(queries []store.Query, timeout time.Duration) bool {
	txID, err := p.BeginTransaction(timeout)
	if err != nil {
		logger.Warn("pool: ExecuteInTransaction begin failed: %v", err)
		return false
	}

	for i := range queries {
		q := queries[i]
		q.TxID = txID
		if res := p.ExecuteQuery(q); !res.Success {
			logger.Debug("pool: ExecuteInTransaction query %d failed (%s): %s",
				i, res.ErrorCode, res.ErrorMessage)
			if err := p.RollbackTransaction(txID); err != nil {
				logger.Warn("pool: ExecuteInTransaction rollback failed: %v", err)
			}
			return false
		}
	}

	if err := p.CommitTransaction(txID); err != nil {
		logger.Warn("pool: ExecuteInTransaction commit failed: %v", err)
		return false
	}
	return true
}

func (p *Pool) lookupTx(id uint64) (*Transaction, error) {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	tx, ok := p.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTx, id)
	}
	return tx, nil
}

func (p *Pool) removeTx(id uint64) {
	p.txMu.Lock()
	delete(p.txs, id)
	p.txMu.Unlock()
}

// sweepLoop force-rolls-back transactions that outlived their deadline and
// notifies subscribers.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.TransactionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepExpiredTxs()
		}
	}
}

func (p *Pool) sweepExpiredTxs() {
	now := time.Now()

	p.txMu.Lock()
	var expired []*Transaction
	for _, tx := range p.txs {
		if now.After(tx.deadline) {
			expired = append(expired, tx)
		}
	}
	p.txMu.Unlock()

	for _, tx := range expired {
		tx.mu.Lock()
		if tx.state != TxStarted {
			tx.mu.Unlock()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := tx.conn.conn.Rollback(ctx)
		cancel()

		tx.state = TxRolledBack
		tx.mu.Unlock()

		p.removeTx(tx.id)
		if err != nil {
			logger.Warn("pool: forced rollback of expired transaction %d failed: %v", tx.id, err)
			p.releaseAfterError(tx.conn, err)
		} else {
			logger.Warn("pool: transaction %d expired, rolled back", tx.id)
			p.release(tx.conn)
		}
		p.metrics.RecordTransaction("expired")
		p.events.notifyTxExpired(tx.id)
	}
}

// rollbackAllTxs is called during Close.
func (p *Pool) rollbackAllTxs() {
	p.txMu.Lock()
	open := make([]*Transaction, 0, len(p.txs))
	for _, tx := range p.txs {
		open = append(open, tx)
	}
	p.txs = make(map[uint64]*Transaction)
	p.txMu.Unlock()

	for _, tx := range open {
		tx.mu.Lock()
		if tx.state == TxStarted {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tx.conn.conn.Rollback(ctx); err != nil {
				logger.Warn("pool: rollback of transaction %d during close failed: %v", tx.id, err)
			}
			cancel()
			tx.state = TxRolledBack
		}
		tx.mu.Unlock()
	}
}
