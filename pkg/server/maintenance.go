package server

import (
	"context"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/store"
)

// maintenanceLoop runs two tickers: a short one that drains dirty cache
// entries, evicts expired ones and demotes quiet sessions to idle, and a
// long one that runs the configured maintenance query against the
// backing store.
func (s *Server) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	short := time.NewTicker(s.cfg.MaintenanceInterval)
	defer short.Stop()
	long := time.NewTicker(s.cfg.MaintenanceQueryInterval)
	defer long.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-short.C:
			s.shortMaintenance()
		case <-long.C:
			s.longMaintenance()
		}
	}
}

func (s *Server) shortMaintenance() {
	synced := s.cache.SyncDirtyEntities()
	evicted := s.cache.EvictExpired()
	idled := s.demoteIdleSessions()
	if synced > 0 || evicted > 0 || idled > 0 {
		logger.Debug("maintenance: synced=%d evicted=%d idled=%d", synced, evicted, idled)
	}

	st := s.pool.PoolStats()
	cs := s.cache.CacheStats()
	logger.Debug("stats: conns free=%d in_use=%d failed=%d txs=%d cache=%d dirty=%d hits=%d misses=%d",
		st.Connected, st.InUse, st.Failed, st.OpenTxs,
		cs.Entries, cs.Dirty, cs.Hits, cs.Misses)
}

// demoteIdleSessions flips active sessions with no recent traffic to the
// idle state. Idle sessions are still served; the state only feeds
// observability and the idle read deadline does the actual reaping.
func (s *Server) demoteIdleSessions() int {
	n := 0
	s.sessions.Range(func(_, v any) bool {
		sess := v.(*session)
		if sess.State() == StateActive && sess.idleSince() > s.cfg.MaintenanceInterval {
			sess.setState(StateIdle)
			n++
		}
		return true
	})
	return n
}

func (s *Server) longMaintenance() {
	if s.cfg.MaintenanceQuery == "" {
		return
	}
	res := s.pool.ExecuteQuery(store.Query{Type: store.QueryCustom, Text: s.cfg.MaintenanceQuery})
	if !res.Success {
		logger.Warn("maintenance: query failed (%s): %s", res.ErrorCode, res.ErrorMessage)
		return
	}
	logger.Info("maintenance: query completed in %v (%d rows affected)",
		res.Duration, res.AffectedRows)
}
