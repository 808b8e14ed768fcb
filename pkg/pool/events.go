package pool

import "sync"

// Handle identifies an event subscription for O(1) unsubscription.
type Handle uint64

// ConnStateCallback observes connection state transitions.
type ConnStateCallback func(connID uint64, from, to ConnState)

// TxExpiredCallback observes forced rollbacks of expired transactions.
type TxExpiredCallback func(txID uint64)

// events holds the pool's subscription tables. Callbacks are snapshotted
// under the lock and invoked after it is released, so a callback may call
// back into the pool without deadlocking.
type events struct {
	mu         sync.Mutex
	nextHandle Handle
	connSubs   map[Handle]ConnStateCallback
	txSubs     map[Handle]TxExpiredCallback
}

// OnConnectionStateChange subscribes to connection state transitions.
func (p *Pool) OnConnectionStateChange(cb ConnStateCallback) Handle {
	e := &p.events
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connSubs == nil {
		e.connSubs = make(map[Handle]ConnStateCallback)
	}
	e.nextHandle++
	e.connSubs[e.nextHandle] = cb
	return e.nextHandle
}

// OnTransactionExpired subscribes to forced rollbacks of stale
// transactions.
func (p *Pool) OnTransactionExpired(cb TxExpiredCallback) Handle {
	e := &p.events
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txSubs == nil {
		e.txSubs = make(map[Handle]TxExpiredCallback)
	}
	e.nextHandle++
	e.txSubs[e.nextHandle] = cb
	return e.nextHandle
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (p *Pool) Unsubscribe(h Handle) {
	e := &p.events
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connSubs, h)
	delete(e.txSubs, h)
}

func (e *events) notifyConnState(connID uint64, from, to ConnState) {
	e.mu.Lock()
	cbs := make([]ConnStateCallback, 0, len(e.connSubs))
	for _, cb := range e.connSubs {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(connID, from, to)
	}
}

func (e *events) notifyTxExpired(txID uint64) {
	e.mu.Lock()
	cbs := make([]TxExpiredCallback, 0, len(e.txSubs))
	for _, cb := range e.txSubs {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(txID)
	}
}
