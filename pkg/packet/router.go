package packet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
)

// OverflowPolicy controls what Enqueue does when the task queue is full.
type OverflowPolicy string

const (
	// OverflowReject fails the enqueue immediately with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowBlock waits for queue space until the context is done.
	OverflowBlock OverflowPolicy = "block"
)

// Handler processes one packet and returns the reply body, or an Error
// carrying a result code. A nil reply with a nil error produces a
// header-only OK response.
type Handler func(ctx context.Context, p *Packet) (*Packet, error)

// Error is a handler failure with an explicit result code. Handlers
// return it (usually via Errf) to control the code sent to the client;
// any other error maps to ResultInternal.
type Error struct {
	Code ResultCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Errf builds a handler Error.
func Errf(code ResultCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the result code from a handler error.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout
	}
	return ResultInternal
}

// ErrQueueFull is returned by Enqueue under the reject overflow policy
// when the task queue is at capacity.
var ErrQueueFull = errors.New("packet: task queue full")

// ErrRouterClosed is returned by Enqueue after Stop.
var ErrRouterClosed = errors.New("packet: router closed")

// Config holds router settings.
type Config struct {
	// Workers is the number of goroutines draining the task queue.
	Workers int `mapstructure:"workers" validate:"min=0"`

	// QueueSize bounds the task queue.
	QueueSize int `mapstructure:"queue_size" validate:"min=0"`

	// HandlerTimeout bounds one handler invocation. Zero disables the
	// per-packet timeout.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" validate:"min=0"`

	// OverflowPolicy is applied when the queue is full: "reject" (default)
	// or "block".
	OverflowPolicy OverflowPolicy `mapstructure:"overflow_policy" validate:"omitempty,oneof=reject block"`
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowReject
	}
}

// RouterMetrics receives router observability events. A nil value
// disables collection.
type RouterMetrics interface {
	RecordPacket(packetType, result string, d time.Duration)
	SetQueueDepth(n int)
	RecordDropped(reason string)
}

type noopRouterMetrics struct{}

func (noopRouterMetrics) RecordPacket(string, string, time.Duration) {}
func (noopRouterMetrics) SetQueueDepth(int)                          {}
func (noopRouterMetrics) RecordDropped(string)                       {}

type task struct {
	ctx  context.Context
	pkt  *Packet
	sink func(*Packet)
}

// Router validates incoming packets and dispatches them to registered
// handlers, either synchronously (ProcessPacket) or through a bounded
// worker pool (Enqueue).
type Router struct {
	cfg     Config
	metrics RouterMetrics

	mu       sync.RWMutex
	handlers map[Type]Handler
	closed   bool

	tasks  chan task
	stopCh chan struct{}
	wg     sync.WaitGroup

	start time.Time
}

// NewRouter creates a router. Call Start before Enqueue.
func NewRouter(cfg Config, m RouterMetrics) *Router {
	cfg.applyDefaults()
	if m == nil {
		m = noopRouterMetrics{}
	}
	return &Router{
		cfg:      cfg,
		metrics:  m,
		handlers: make(map[Type]Handler),
		tasks:    make(chan task, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		start:    time.Now(),
	}
}

// RegisterHandler binds a handler to a packet type. Registering a type
// twice replaces the previous handler.
func (r *Router) RegisterHandler(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		logger.Warn("router: replacing handler for packet type %s", t)
	}
	r.handlers[t] = h
}

// Start launches the worker pool.
func (r *Router) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	logger.Info("router: started %d workers (queue %d, overflow %s)",
		r.cfg.Workers, r.cfg.QueueSize, r.cfg.OverflowPolicy)
}

// Stop rejects further enqueues, drains queued tasks and joins the
// workers.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

// Decode parses raw bytes into a packet, enforcing that the header's
// TotalSize matches the byte count actually received.
func (r *Router) Decode(raw []byte) (*Packet, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return nil, Errf(ResultInvalid, "%v", err)
	}
	if int(h.TotalSize) != len(raw) {
		return nil, Errf(ResultInvalid,
			"size mismatch: header says %d, got %d", h.TotalSize, len(raw))
	}
	return &Packet{Header: h, Body: raw[HeaderSize:]}, nil
}

// ProcessPacket dispatches one packet synchronously and returns the
// response. A packet with no registered handler gets ResultInvalid; the
// handler never runs for malformed input.
func (r *Router) ProcessPacket(ctx context.Context, p *Packet) *Packet {
	started := time.Now()

	r.mu.RLock()
	h, ok := r.handlers[p.Header.Type]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordPacket(p.Header.Type.String(), ResultInvalid.String(), time.Since(started))
		return p.Response(ResultInvalid, r.serverTick(), nil)
	}

	resp := r.invoke(ctx, h, p)
	r.metrics.RecordPacket(p.Header.Type.String(), resp.Header.Result.String(), time.Since(started))
	return resp
}

// Enqueue schedules a packet for a worker and delivers the response
// through sink. Under the reject policy a full queue returns ErrQueueFull
// without calling sink.
func (r *Router) Enqueue(ctx context.Context, p *Packet, sink func(*Packet)) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRouterClosed
	}

	t := task{ctx: ctx, pkt: p, sink: sink}
	if r.cfg.OverflowPolicy == OverflowBlock {
		select {
		case r.tasks <- t:
			r.metrics.SetQueueDepth(len(r.tasks))
			return nil
		case <-ctx.Done():
			r.metrics.RecordDropped("context")
			return ctx.Err()
		case <-r.stopCh:
			return ErrRouterClosed
		}
	}

	select {
	case r.tasks <- t:
		r.metrics.SetQueueDepth(len(r.tasks))
		return nil
	default:
		r.metrics.RecordDropped("queue_full")
		return ErrQueueFull
	}
}

// QueueDepth reports the number of queued tasks.
func (r *Router) QueueDepth() int {
	return len(r.tasks)
}

func (r *Router) worker() {
	defer r.wg.Done()

	for {
		select {
		case t := <-r.tasks:
			r.metrics.SetQueueDepth(len(r.tasks))
			resp := r.ProcessPacket(t.ctx, t.pkt)
			if t.sink != nil {
				t.sink(resp)
			}
		case <-r.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-r.tasks:
					resp := r.ProcessPacket(t.ctx, t.pkt)
					if t.sink != nil {
						t.sink(resp)
					}
				default:
					return
				}
			}
		}
	}
}

// invoke runs one handler under the per-packet timeout with panic
// isolation.
func (r *Router) invoke(ctx context.Context, h Handler, p *Packet) *Packet {
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}

	type outcome struct {
		resp *Packet
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("router: handler for %s panicked: %v", p.Header.Type, rec)
				done <- outcome{err: Errf(ResultInternal, "handler panic")}
			}
		}()
		resp, err := h(ctx, p)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			code := CodeOf(out.err)
			if code == ResultInternal {
				logger.Error("router: handler for %s failed: %v", p.Header.Type, out.err)
			}
			return p.Response(code, r.serverTick(), nil)
		}
		if out.resp == nil {
			return p.Response(ResultOK, r.serverTick(), nil)
		}
		out.resp.Header.Type = p.Header.Type
		out.resp.Header.ClientTick = p.Header.ClientTick
		out.resp.Header.ServerTick = r.serverTick()
		return out.resp
	case <-ctx.Done():
		// The handler goroutine finishes on its own; the buffered channel
		// keeps it from leaking.
		r.metrics.RecordDropped("timeout")
		return p.Response(ResultTimeout, r.serverTick(), nil)
	}
}

// serverTick is milliseconds since the router started, truncated to the
// header field width.
func (r *Router) serverTick() uint32 {
	return uint32(time.Since(r.start) / time.Millisecond)
}
