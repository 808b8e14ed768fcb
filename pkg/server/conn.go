package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/internal/ratelimiter"
	"github.com/voidheim/dbgate/pkg/packet"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState int32

const (
	// StateAccepted: TCP connection established, handshake not started.
	StateAccepted SessionState = iota
	// StateAuthPending: waiting for the auth packet. Any other packet in
	// this state tears the session down.
	StateAuthPending
	// StateAuthenticated: handshake complete, no traffic yet.
	StateAuthenticated
	// StateActive: traffic seen recently.
	StateActive
	// StateIdle: authenticated but quiet; demoted by the maintenance loop.
	StateIdle
	// StateDisconnected: session closed.
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// session is one client connection. The read loop runs on its own
// goroutine; responses may arrive from router workers, so writes are
// serialized by writeMu.
type session struct {
	id      uint64
	conn    net.Conn
	server  *Server
	limiter *ratelimiter.RateLimiter

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *session) setState(st SessionState) {
	old := SessionState(s.state.Swap(int32(st)))
	if old != st {
		logger.Debug("session %d: %s -> %s", s.id, old, st)
	}
}

// run drives the session: handshake first, then the packet loop. Returns
// when the connection closes.
func (s *session) run(ctx context.Context) {
	defer s.close("connection closed")

	s.setState(StateAuthPending)
	s.touch()
	logger.Debug("session %d: accepted from %s", s.id, s.conn.RemoteAddr())

	for {
		if err := s.setReadDeadline(); err != nil {
			return
		}

		pkt, err := s.readPacket()
		if err != nil {
			s.logReadError(err)
			return
		}
		s.touch()

		if !s.dispatch(ctx, pkt) {
			return
		}
	}
}

// setReadDeadline applies the auth deadline before authentication and the
// idle deadline after it.
func (s *session) setReadDeadline() error {
	switch {
	case s.State() == StateAuthPending:
		return s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.AuthTimeout))
	case s.server.cfg.IdleTimeout > 0:
		return s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.IdleTimeout))
	default:
		return s.conn.SetReadDeadline(time.Time{})
	}
}

// readPacket reads one framed packet off the wire. A header whose
// TotalSize is smaller than the header itself is unrecoverable: the
// stream position is lost, so the caller must tear the session down.
func (s *session) readPacket() (*packet.Packet, error) {
	var hdr [packet.HeaderSize]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, err
	}
	h, err := packet.DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if h.TotalSize < packet.HeaderSize {
		return nil, packet.Errf(packet.ResultInvalid,
			"total size %d below header size", h.TotalSize)
	}

	body := make([]byte, int(h.TotalSize)-packet.HeaderSize)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return nil, err
	}
	return &packet.Packet{Header: h, Body: body}, nil
}

// dispatch handles one packet according to the session state. Returns
// false when the session must close.
func (s *session) dispatch(ctx context.Context, pkt *packet.Packet) bool {
	state := s.State()

	if state == StateAuthPending {
		if pkt.Header.Type != packet.TypeAuth {
			logger.Warn("session %d: %s packet before auth, closing",
				s.id, pkt.Header.Type)
			s.respond(pkt, packet.ResultAuth, nil)
			return false
		}
		return s.authenticate(pkt)
	}

	switch pkt.Header.Type {
	case packet.TypeAuth:
		// Double authentication is a protocol violation but not fatal.
		s.respond(pkt, packet.ResultInvalidState, nil)
		return true
	case packet.TypeDisconnect:
		s.respond(pkt, packet.ResultOK, nil)
		return false
	}

	s.setState(StateActive)

	if s.limiter != nil && !s.limiter.Allow() {
		s.respond(pkt, packet.ResultOverload, nil)
		return true
	}

	ctx = withSession(ctx, s)
	err := s.server.router.Enqueue(ctx, pkt, func(resp *packet.Packet) {
		s.writePacket(resp)
	})
	if err != nil {
		if errors.Is(err, packet.ErrQueueFull) {
			s.respond(pkt, packet.ResultOverload, nil)
			return true
		}
		logger.Warn("session %d: enqueue failed: %v", s.id, err)
		s.respond(pkt, packet.ResultInternal, nil)
		return !errors.Is(err, packet.ErrRouterClosed)
	}
	return true
}

// authenticate verifies the two credential fields against the configured
// shared secret. The comparison is constant time; any failure closes the
// session after a single AuthRejected response. The auth acknowledgement
// uses the inverted handshake convention (1 accepted, 0 rejected), not the
// regular result codes.
func (s *session) authenticate(pkt *packet.Packet) bool {
	if len(pkt.Body) != 2*CredentialSize {
		logger.Warn("session %d: auth body %d bytes, want %d",
			s.id, len(pkt.Body), 2*CredentialSize)
		s.respond(pkt, packet.AuthRejected, nil)
		return false
	}

	accessOK := subtle.ConstantTimeCompare(pkt.Body[:CredentialSize], s.server.accessKey[:])
	secretOK := subtle.ConstantTimeCompare(pkt.Body[CredentialSize:], s.server.secretKey[:])
	if accessOK&secretOK != 1 {
		logger.Warn("session %d: authentication failed from %s",
			s.id, s.conn.RemoteAddr())
		s.respond(pkt, packet.AuthRejected, nil)
		return false
	}

	s.setState(StateAuthenticated)
	logger.Info("session %d: authenticated (%s)", s.id, s.conn.RemoteAddr())
	s.respond(pkt, packet.AuthAccepted, nil)
	return true
}

func (s *session) respond(req *packet.Packet, code packet.ResultCode, body []byte) {
	s.writePacket(req.Response(code, 0, body))
}

func (s *session) writePacket(p *packet.Packet) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() == StateDisconnected {
		return
	}
	if _, err := s.conn.Write(p.Marshal()); err != nil {
		logger.Debug("session %d: write failed: %v", s.id, err)
	}
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// close tears the session down: advisory locks held by it are released so
// they cannot outlive the connection.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		s.conn.Close()
		if n := s.server.cache.ReleaseOwnerLocks(s.id); n > 0 {
			logger.Debug("session %d: released %d entity locks", s.id, n)
		}
		logger.Debug("session %d: closed (%s)", s.id, reason)
	})
}

func (s *session) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("session %d: peer disconnected", s.id)
	case errors.Is(err, net.ErrClosed):
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if s.State() == StateAuthPending {
				logger.Warn("session %d: authentication timeout", s.id)
			} else {
				logger.Debug("session %d: idle timeout", s.id)
			}
			return
		}
		logger.Warn("session %d: read failed: %v", s.id, err)
	}
}

type sessionCtxKey struct{}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// sessionFrom extracts the session a packet arrived on. Handlers use it
// for the advisory-lock owner id.
func sessionFrom(ctx context.Context) (*session, bool) {
	s, ok := ctx.Value(sessionCtxKey{}).(*session)
	return s, ok
}
