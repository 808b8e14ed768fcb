package server

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/packet"
	"github.com/voidheim/dbgate/pkg/pool"
	"github.com/voidheim/dbgate/pkg/store"
)

// entityRefSize is the wire size of an entity reference: u8 entity type
// followed by u64 entity id, little endian.
const entityRefSize = 9

// registerHandlers binds the built-in packet types to the router.
func (s *Server) registerHandlers() {
	s.router.RegisterHandler(packet.TypePing, s.handlePing)
	s.router.RegisterHandler(packet.TypeEntityGet, s.handleEntityGet)
	s.router.RegisterHandler(packet.TypeEntitySave, s.handleEntitySave)
	s.router.RegisterHandler(packet.TypeEntityDelete, s.handleEntityDelete)
	s.router.RegisterHandler(packet.TypeEntityLock, s.handleEntityLock)
	s.router.RegisterHandler(packet.TypeEntityUnlock, s.handleEntityUnlock)
	s.router.RegisterHandler(packet.TypeQuery, s.handleQuery)
	s.router.RegisterHandler(packet.TypeQueryAsync, s.handleQueryAsync)
}

// handlePing echoes the packet back; only the server tick changes.
func (s *Server) handlePing(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	return &packet.Packet{Body: p.Body}, nil
}

// decodeEntityRef parses the u8 type + u64 id prefix shared by the entity
// packets.
func decodeEntityRef(body []byte) (store.EntityType, uint64, error) {
	if len(body) < entityRefSize {
		return "", 0, packet.Errf(packet.ResultInvalid,
			"entity reference truncated: %d bytes", len(body))
	}
	types := store.EntityTypes()
	idx := int(body[0])
	if idx >= len(types) {
		return "", 0, packet.Errf(packet.ResultParams, "unknown entity type %d", idx)
	}
	return types[idx], binary.LittleEndian.Uint64(body[1:entityRefSize]), nil
}

func (s *Server) handleEntityGet(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	t, id, err := decodeEntityRef(p.Body)
	if err != nil {
		return nil, err
	}
	data, ok := s.cache.Get(t, id)
	if !ok {
		return nil, packet.Errf(packet.ResultNotFound, "%s/%d not cached or stored", t, id)
	}
	return &packet.Packet{Body: data}, nil
}

func (s *Server) handleEntitySave(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	t, id, err := decodeEntityRef(p.Body)
	if err != nil {
		return nil, err
	}
	s.cache.Update(t, id, p.Body[entityRefSize:])
	s.cache.MarkDirty(t, id)
	return nil, nil
}

// handleEntityDelete removes the entity from the backing store first and
// only then discards the cached copy, so a failed delete leaves the cache
// consistent with the store.
func (s *Server) handleEntityDelete(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	t, id, err := decodeEntityRef(p.Body)
	if err != nil {
		return nil, err
	}
	res := s.pool.ExecuteQuery(store.Query{Type: store.QueryDelete, Entity: t, EntityID: id})
	if !res.Success {
		return nil, queryError(res)
	}
	s.cache.Discard(t, id)
	return nil, nil
}

// handleEntityLock acquires the advisory lock for the session that sent
// the packet. Body: entity ref + u32 wait budget in milliseconds.
func (s *Server) handleEntityLock(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	sess, ok := sessionFrom(ctx)
	if !ok {
		return nil, packet.Errf(packet.ResultInvalidState, "lock outside a session")
	}
	t, id, err := decodeEntityRef(p.Body)
	if err != nil {
		return nil, err
	}
	if len(p.Body) < entityRefSize+4 {
		return nil, packet.Errf(packet.ResultInvalid, "lock body truncated")
	}
	timeout := time.Duration(binary.LittleEndian.Uint32(p.Body[entityRefSize:])) * time.Millisecond

	// The wait must not outlive the handler: the router abandons the
	// goroutine at its timeout, and a lock acquired after that would be
	// invisible to the client yet held until disconnect.
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < timeout {
			timeout = remain
		}
	}

	if !s.cache.Lock(t, id, sess.id, timeout) {
		return nil, packet.Errf(packet.ResultTimeout, "lock %s/%d not acquired in %v", t, id, timeout)
	}
	if ctx.Err() != nil {
		s.cache.Unlock(t, id, sess.id)
		return nil, packet.Errf(packet.ResultTimeout, "lock %s/%d abandoned", t, id)
	}
	return nil, nil
}

func (s *Server) handleEntityUnlock(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	sess, ok := sessionFrom(ctx)
	if !ok {
		return nil, packet.Errf(packet.ResultInvalidState, "unlock outside a session")
	}
	t, id, err := decodeEntityRef(p.Body)
	if err != nil {
		return nil, err
	}
	if !s.cache.Unlock(t, id, sess.id) {
		return nil, packet.Errf(packet.ResultInvalidState, "%s/%d not locked by session", t, id)
	}
	return nil, nil
}

// handleQuery runs the body as a raw store query and renders the result
// as tab-separated text, one line per row, columns first.
func (s *Server) handleQuery(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	res := s.pool.ExecuteQuery(store.Query{Type: store.QueryCustom, Text: string(p.Body)})
	if !res.Success {
		return nil, queryError(res)
	}
	return &packet.Packet{Body: []byte(renderResult(res))}, nil
}

// handleQueryAsync schedules the query on the pool's async queue and
// replies immediately with the u64 query id. The result is pushed to the
// session later as an unsolicited TypeQueryAsync packet carrying the id
// and the rendered result.
func (s *Server) handleQueryAsync(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	sess, hasSess := sessionFrom(ctx)

	id, err := s.pool.ExecuteQueryAsync(
		store.Query{Type: store.QueryCustom, Text: string(p.Body)},
		func(queryID uint64, res pool.QueryResult) {
			if !hasSess {
				return
			}
			body := make([]byte, 8, 8+64)
			binary.LittleEndian.PutUint64(body, queryID)
			code := packet.ResultOK
			if res.Success {
				body = append(body, renderResult(res)...)
			} else {
				code = resultCodeFor(res.ErrorCode)
				body = append(body, res.ErrorMessage...)
			}
			sess.writePacket(&packet.Packet{
				Header: packet.Header{Type: packet.TypeQueryAsync, Result: code},
				Body:   body,
			})
		})
	if err != nil {
		if err == pool.ErrQueueFull {
			return nil, packet.Errf(packet.ResultOverload, "async queue full")
		}
		logger.Warn("server: async enqueue failed: %v", err)
		return nil, packet.Errf(packet.ResultDB, "%v", err)
	}

	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, id)
	return &packet.Packet{Body: body}, nil
}

func renderResult(res pool.QueryResult) string {
	if len(res.Columns) == 0 {
		return "affected=" + strconv.FormatInt(res.AffectedRows, 10)
	}
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, "\t"))
	}
	return b.String()
}

// queryError maps a failed pool result onto a handler error.
func queryError(res pool.QueryResult) error {
	return packet.Errf(resultCodeFor(res.ErrorCode), "%s", res.ErrorMessage)
}

func resultCodeFor(code store.ErrorCode) packet.ResultCode {
	switch code {
	case store.ErrCodeNone:
		return packet.ResultOK
	case store.ErrCodeNotFound:
		return packet.ResultNotFound
	case store.ErrCodeDuplicate, store.ErrCodeBind:
		return packet.ResultParams
	default:
		return packet.ResultDB
	}
}
