// Package server implements the TCP front end: it accepts client
// connections, runs the shared-secret handshake, and forwards decoded
// packets to the router. One Server owns the listener, the session table
// and the maintenance loop that drives cache sync and eviction.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/internal/ratelimiter"
	"github.com/voidheim/dbgate/pkg/cache"
	"github.com/voidheim/dbgate/pkg/packet"
	"github.com/voidheim/dbgate/pkg/pool"
)

// CredentialSize is the wire size of each handshake credential field.
const CredentialSize = 32

// Config holds server settings.
type Config struct {
	// ListenAddr is the TCP address to bind, host:port.
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	// MaxConnections bounds concurrent client sessions. Further accepts
	// wait for a slot.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// AccessKey and SecretKey are the shared-secret handshake credentials.
	// Each is padded or truncated to CredentialSize bytes on the wire.
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`

	// AuthTimeout is how long a session may stay unauthenticated before it
	// is torn down.
	AuthTimeout time.Duration `mapstructure:"auth_timeout" validate:"min=0"`

	// IdleTimeout tears down sessions with no traffic. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// RateLimit caps packets per second per session; RateBurst is the
	// token bucket size. Zero disables limiting.
	RateLimit uint `mapstructure:"rate_limit"`
	RateBurst uint `mapstructure:"rate_burst"`

	// MaintenanceInterval drives the short maintenance tick (cache sync
	// and eviction). MaintenanceQueryInterval drives the long tick that
	// runs MaintenanceQuery against the backing store.
	MaintenanceInterval      time.Duration `mapstructure:"maintenance_interval" validate:"min=0"`
	MaintenanceQueryInterval time.Duration `mapstructure:"maintenance_query_interval" validate:"min=0"`
	MaintenanceQuery         string        `mapstructure:"maintenance_query"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1024
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 5 * time.Second
	}
	if c.MaintenanceQueryInterval <= 0 {
		c.MaintenanceQueryInterval = 5 * time.Minute
	}
	if c.RateBurst == 0 {
		c.RateBurst = c.RateLimit * 2
	}
}

// Server accepts client connections and routes their packets. Construct
// with New, then call Serve; Serve blocks until the context is cancelled.
type Server struct {
	cfg    Config
	pool   *pool.Pool
	cache  *cache.Cache
	router *packet.Router

	accessKey [CredentialSize]byte
	secretKey [CredentialSize]byte

	listener net.Listener
	sem      chan struct{}
	sessions sync.Map // session id -> *session
	nextID   atomic.Uint64
	wg       sync.WaitGroup

	stopCh       chan struct{}
	shutdown     atomic.Bool
	shutdownOnce sync.Once
}

// New creates a server over the given pool, cache and router. The
// built-in packet handlers are registered here; callers may register
// additional types on the router before Serve.
func New(cfg Config, p *pool.Pool, c *cache.Cache, r *packet.Router) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		pool:   p,
		cache:  c,
		router: r,
		sem:    make(chan struct{}, cfg.MaxConnections),
		stopCh: make(chan struct{}),
	}
	copy(s.accessKey[:], cfg.AccessKey)
	copy(s.secretKey[:], cfg.SecretKey)
	s.registerHandlers()
	return s
}

// Serve binds the listener and blocks serving connections until ctx is
// cancelled. On shutdown it stops accepting, force-closes remaining
// sessions, waits for their goroutines, and syncs the cache a final time.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	logger.Info("server: listening on %s (max %d connections)",
		ln.Addr(), s.cfg.MaxConnections)

	s.router.Start()
	s.cache.Start()

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		<-acceptErr
		return ctx.Err()
	case err := <-acceptErr:
		s.Stop()
		return err
	}
}

// Stop initiates shutdown: the listener closes, live sessions are
// force-closed, and background loops drain. Safe to call multiple times.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		s.shutdown.Store(true)
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}

		s.sessions.Range(func(_, v any) bool {
			v.(*session).close("server shutdown")
			return true
		})

		s.wg.Wait()
		s.router.Stop()
		s.cache.Stop()
		logger.Info("server: stopped")
	})
}

// acceptLoop admits connections through the session semaphore so the
// session count never exceeds MaxConnections.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.sem
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("server: accept failed: %v", err)
			continue
		}

		sess := s.newSession(conn)
		s.sessions.Store(sess.id, sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			sess.run(ctx)
			s.sessions.Delete(sess.id)
		}()
	}
}

func (s *Server) newSession(conn net.Conn) *session {
	var limiter *ratelimiter.RateLimiter
	if s.cfg.RateLimit > 0 {
		limiter = ratelimiter.New(s.cfg.RateLimit, s.cfg.RateBurst)
	}
	sess := &session{
		id:      s.nextID.Add(1),
		conn:    conn,
		server:  s,
		limiter: limiter,
	}
	sess.state.Store(int32(StateAuthPending))
	return sess
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
