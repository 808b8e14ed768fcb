package pool

import (
	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// AsyncCallback receives the result of an asynchronous query. It is invoked
// on a pool worker goroutine, never on the caller's goroutine, so callers
// must not assume single-threaded delivery.
type AsyncCallback func(queryID uint64, res QueryResult)

type asyncQuery struct {
	id       uint64
	query    store.Query
	callback AsyncCallback
}

// ExecuteQueryAsync enqueues a query onto the bounded async queue and
// returns its query id. The queue rejects when full (ErrQueueFull) rather
// than blocking the caller.
func (p *Pool) ExecuteQueryAsync(q store.Query, cb AsyncCallback) (uint64, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrPoolClosed
	}

	id := p.nextQueryID.Add(1)
	select {
	case p.asyncCh <- asyncQuery{id: id, query: q, callback: cb}:
		p.metrics.SetAsyncQueueDepth(len(p.asyncCh))
		return id, nil
	default:
		return 0, ErrQueueFull
	}
}

func (p *Pool) asyncWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case aq := <-p.asyncCh:
			p.metrics.SetAsyncQueueDepth(len(p.asyncCh))
			res := p.ExecuteQuery(aq.query)
			if aq.callback != nil {
				invokeAsyncCallback(aq.id, res, aq.callback)
			}
		}
	}
}

// invokeAsyncCallback shields the worker from a panicking callback.
func invokeAsyncCallback(id uint64, res QueryResult, cb AsyncCallback) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pool: async callback for query %d panicked: %v", id, r)
		}
	}()
	cb(id, res)
}
