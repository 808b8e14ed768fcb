package pool

import (
	"context"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// ConnState is the lifecycle state of one pooled connection.
//
// Transitions: Disconnected → Connecting → Connected → {Failed →
// Reconnecting → Connected|Failed}. Reconnection follows a bounded-retry
// policy driven by the monitor goroutine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// pooledConn is one pool slot. It is owned exclusively by the pool: the
// inUse flag and state are mutated only under p.mu or by the monitor while
// the connection is out of the free list.
type pooledConn struct {
	id   uint64
	conn store.Conn

	state             ConnState
	inUse             bool
	lastPing          time.Time
	lastError         time.Time
	reconnectAttempts int
}

func newPooledConn(id uint64) *pooledConn {
	return &pooledConn{id: id, state: StateDisconnected}
}

// transition updates a connection's state and notifies subscribers after
// releasing internal locks.
func (p *Pool) transition(pc *pooledConn, next ConnState) {
	p.mu.Lock()
	prev := pc.state
	pc.state = next
	p.mu.Unlock()

	if prev != next {
		p.events.notifyConnState(pc.id, prev, next)
	}
}

// monitorLoop pings idle connections and reconnects failed ones.
func (p *Pool) monitorLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkConnections()
		}
	}
}

func (p *Pool) checkConnections() {
	p.mu.Lock()
	snapshot := make([]*pooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		if !pc.inUse {
			snapshot = append(snapshot, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range snapshot {
		switch pc.state {
		case StateConnected:
			p.pingConn(pc)
		case StateFailed, StateDisconnected:
			if p.cfg.AutoReconnect {
				p.reconnectConn(pc)
			}
		}
	}
	p.publishConnGauges()
}

func (p *Pool) pingConn(pc *pooledConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pc.conn.Ping(ctx); err != nil {
		logger.Warn("pool: ping failed on connection %d: %v", pc.id, err)
		pc.lastError = time.Now()
		p.removeFromFree(pc)
		p.transition(pc, StateFailed)
		return
	}
	pc.lastPing = time.Now()
}

func (p *Pool) reconnectConn(pc *pooledConn) {
	if pc.reconnectAttempts >= p.cfg.MaxReconnectAttempts {
		return
	}
	p.transition(pc, StateReconnecting)
	pc.reconnectAttempts++

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.driver.Open(ctx, p.cfg.DSN)
	if err != nil {
		logger.Warn("pool: reconnect %d/%d failed on connection %d: %v",
			pc.reconnectAttempts, p.cfg.MaxReconnectAttempts, pc.id, err)
		pc.lastError = time.Now()
		p.transition(pc, StateFailed)
		return
	}

	if pc.conn != nil {
		pc.conn.Close()
	}
	pc.conn = conn
	pc.lastPing = time.Now()
	pc.reconnectAttempts = 0
	p.transition(pc, StateConnected)

	p.mu.Lock()
	if !p.closed {
		if len(p.waiters) > 0 {
			waiter := p.waiters[0]
			p.waiters = p.waiters[1:]
			pc.inUse = true
			p.mu.Unlock()
			waiter <- pc
			logger.Info("pool: connection %d reconnected", pc.id)
			return
		}
		p.free = append(p.free, pc)
	}
	p.mu.Unlock()
	logger.Info("pool: connection %d reconnected", pc.id)
}

// removeFromFree drops a connection from the free list (it stays in conns
// for the monitor to repair).
func (p *Pool) removeFromFree(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.free {
		if f == pc {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}
