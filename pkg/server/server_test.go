package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/voidheim/dbgate/pkg/cache"
	"github.com/voidheim/dbgate/pkg/packet"
	"github.com/voidheim/dbgate/pkg/pool"
	"github.com/voidheim/dbgate/pkg/store"
	"github.com/voidheim/dbgate/pkg/store/memory"
)

const (
	testAccessKey = "test-access-key"
	testSecretKey = "test-secret-key"
)

type testEnv struct {
	server *Server
	mem    *memory.Store
	done   chan error
}

func startTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return startTestServerRouter(t, cfg, packet.Config{Workers: 2, QueueSize: 64})
}

func startTestServerRouter(t *testing.T, cfg Config, rcfg packet.Config) *testEnv {
	t.Helper()

	mem := memory.New()
	p := pool.New(pool.Config{MaxConnections: 2}, mem.Driver(), nil)
	ctx, cancelInit := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelInit()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("pool Initialize failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	c := cache.New(cache.Config{}, nil, p, nil)
	r := packet.NewRouter(rcfg, nil)

	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.AccessKey == "" {
		cfg.AccessKey = testAccessKey
		cfg.SecretKey = testSecretKey
	}
	srv := New(cfg, p, c, r)

	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(serveCtx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return &testEnv{server: srv, mem: mem, done: done}
}

func (e *testEnv) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", e.server.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendPacket(t *testing.T, conn net.Conn, typ packet.Type, body []byte) {
	t.Helper()
	p := &packet.Packet{Header: packet.Header{Type: typ}, Body: body}
	if _, err := conn.Write(p.Marshal()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readPacket(t *testing.T, conn net.Conn) *packet.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hdr [packet.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read header failed: %v", err)
	}
	h, err := packet.DecodeHeader(hdr[:])
	if err != nil {
		t.Fatalf("decode header failed: %v", err)
	}
	body := make([]byte, int(h.TotalSize)-packet.HeaderSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return &packet.Packet{Header: h, Body: body}
}

func credentials(access, secret string) []byte {
	body := make([]byte, 2*CredentialSize)
	copy(body[:CredentialSize], access)
	copy(body[CredentialSize:], secret)
	return body
}

func authenticate(t *testing.T, conn net.Conn) {
	t.Helper()
	sendPacket(t, conn, packet.TypeAuth, credentials(testAccessKey, testSecretKey))
	resp := readPacket(t, conn)
	if resp.Header.Result != packet.AuthAccepted {
		t.Fatalf("handshake failed: result=%d", resp.Header.Result)
	}
}

func entityRef(typeIdx uint8, id uint64) []byte {
	body := make([]byte, entityRefSize)
	body[0] = typeIdx
	binary.LittleEndian.PutUint64(body[1:], id)
	return body
}

func lockBody(typeIdx uint8, id uint64, waitMs uint32) []byte {
	body := entityRef(typeIdx, id)
	ms := make([]byte, 4)
	binary.LittleEndian.PutUint32(ms, waitMs)
	return append(body, ms...)
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	if _, err := conn.Read(buf[:]); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}

func TestHandshakeSuccess(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)
	authenticate(t, conn)
}

func TestHandshakeWrongSecretClosesConnection(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)

	sendPacket(t, conn, packet.TypeAuth, credentials(testAccessKey, "wrong-secret"))
	resp := readPacket(t, conn)
	if resp.Header.Result != packet.AuthRejected {
		t.Fatalf("expected AuthRejected, got result=%d", resp.Header.Result)
	}
	expectClosed(t, conn)
}

func TestNonAuthPacketBeforeHandshakeTearsDown(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)

	sendPacket(t, conn, packet.TypePing, nil)
	resp := readPacket(t, conn)
	if resp.Header.Result != packet.ResultAuth {
		t.Fatalf("expected ResultAuth for pre-auth packet, got %s", resp.Header.Result)
	}
	expectClosed(t, conn)
}

func TestMalformedFrameTearsDown(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)

	// TotalSize smaller than the header itself: unrecoverable framing.
	var hdr [packet.HeaderSize]byte
	packet.Header{TotalSize: 5, Type: packet.TypeAuth}.Encode(hdr[:])
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	expectClosed(t, conn)
}

func TestEntitySaveAndGetOverWire(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)
	authenticate(t, conn)

	payload := []byte("character-state-blob")
	sendPacket(t, conn, packet.TypeEntitySave, append(entityRef(1, 42), payload...))
	if resp := readPacket(t, conn); resp.Header.Result != packet.ResultOK {
		t.Fatalf("save failed: %s", resp.Header.Result)
	}

	sendPacket(t, conn, packet.TypeEntityGet, entityRef(1, 42))
	resp := readPacket(t, conn)
	if resp.Header.Result != packet.ResultOK {
		t.Fatalf("get failed: %s", resp.Header.Result)
	}
	if string(resp.Body) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", resp.Body, payload)
	}
}

func TestEntityGetMissingReturnsNotFound(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)
	authenticate(t, conn)

	sendPacket(t, conn, packet.TypeEntityGet, entityRef(0, 9999))
	resp := readPacket(t, conn)
	if resp.Header.Result != packet.ResultNotFound {
		t.Fatalf("expected ResultNotFound, got %s", resp.Header.Result)
	}
}

func TestEntityLockConflictTimesOut(t *testing.T) {
	env := startTestServer(t, Config{})

	first := env.dial(t)
	authenticate(t, first)
	second := env.dial(t)
	authenticate(t, second)

	sendPacket(t, first, packet.TypeEntityLock, lockBody(2, 7, 1000))
	if resp := readPacket(t, first); resp.Header.Result != packet.ResultOK {
		t.Fatalf("first lock failed: %s", resp.Header.Result)
	}

	sendPacket(t, second, packet.TypeEntityLock, lockBody(2, 7, 50))
	resp := readPacket(t, second)
	if resp.Header.Result != packet.ResultTimeout {
		t.Fatalf("expected ResultTimeout for contended lock, got %s", resp.Header.Result)
	}

	// Release on the first session frees it for the second.
	sendPacket(t, first, packet.TypeEntityUnlock, entityRef(2, 7))
	if resp := readPacket(t, first); resp.Header.Result != packet.ResultOK {
		t.Fatalf("unlock failed: %s", resp.Header.Result)
	}
	sendPacket(t, second, packet.TypeEntityLock, lockBody(2, 7, 500))
	if resp := readPacket(t, second); resp.Header.Result != packet.ResultOK {
		t.Fatalf("lock after release failed: %s", resp.Header.Result)
	}
}

// A lock request whose wait exceeds the handler timeout is answered with
// TIMEOUT, and the abandoned handler goroutine must not grab the lock
// afterwards and leave the session holding it unknowingly.
func TestLockWaitClampedToHandlerTimeout(t *testing.T) {
	env := startTestServerRouter(t, Config{}, packet.Config{
		Workers: 2, QueueSize: 64, HandlerTimeout: 50 * time.Millisecond,
	})

	first := env.dial(t)
	authenticate(t, first)
	second := env.dial(t)
	authenticate(t, second)

	sendPacket(t, first, packet.TypeEntityLock, lockBody(2, 9, 0))
	if resp := readPacket(t, first); resp.Header.Result != packet.ResultOK {
		t.Fatalf("first lock failed: %s", resp.Header.Result)
	}

	// The second session asks for a wait far beyond the handler timeout.
	sendPacket(t, second, packet.TypeEntityLock, lockBody(2, 9, 10_000))
	resp := readPacket(t, second)
	if resp.Header.Result != packet.ResultTimeout {
		t.Fatalf("expected ResultTimeout, got %s", resp.Header.Result)
	}

	sendPacket(t, first, packet.TypeEntityUnlock, entityRef(2, 9))
	if resp := readPacket(t, first); resp.Header.Result != packet.ResultOK {
		t.Fatalf("unlock failed: %s", resp.Header.Result)
	}

	// Give any abandoned wait time to surface, then the lock must be free
	// for the first session again.
	time.Sleep(150 * time.Millisecond)
	sendPacket(t, first, packet.TypeEntityLock, lockBody(2, 9, 300))
	if resp := readPacket(t, first); resp.Header.Result != packet.ResultOK {
		t.Fatalf("re-acquire after release failed: %s", resp.Header.Result)
	}
}

func TestQueryPacket(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)
	authenticate(t, conn)

	sendPacket(t, conn, packet.TypeQuery, []byte("maintenance"))
	resp := readPacket(t, conn)
	if resp.Header.Result != packet.ResultOK {
		t.Fatalf("custom query failed: %s", resp.Header.Result)
	}
}

func TestDisconnectPacketClosesSession(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)
	authenticate(t, conn)

	sendPacket(t, conn, packet.TypeDisconnect, nil)
	if resp := readPacket(t, conn); resp.Header.Result != packet.ResultOK {
		t.Fatalf("disconnect ack not OK: %s", resp.Header.Result)
	}
	expectClosed(t, conn)
}

func TestRateLimitRejectsWithOverload(t *testing.T) {
	env := startTestServer(t, Config{RateLimit: 5, RateBurst: 5})
	conn := env.dial(t)
	authenticate(t, conn)

	overloaded := false
	for i := 0; i < 20; i++ {
		sendPacket(t, conn, packet.TypeEntityGet, entityRef(0, uint64(i+1)))
		resp := readPacket(t, conn)
		if resp.Header.Result == packet.ResultOverload {
			overloaded = true
			break
		}
	}
	if !overloaded {
		t.Fatal("expected at least one ResultOverload past the burst")
	}
}

// Shutting the server down must push dirty cached entities to the
// backing store before the process exits.
func TestGracefulShutdownSyncsDirtyEntities(t *testing.T) {
	env := startTestServer(t, Config{})
	conn := env.dial(t)
	authenticate(t, conn)

	sendPacket(t, conn, packet.TypeEntitySave, append(entityRef(3, 5), []byte("rare-drop")...))
	if resp := readPacket(t, conn); resp.Header.Result != packet.ResultOK {
		t.Fatalf("save failed: %s", resp.Header.Result)
	}

	env.server.Stop()

	data, ok := env.mem.Lookup(store.EntityItem, 5)
	if !ok {
		t.Fatal("dirty entity must be synced during shutdown")
	}
	if string(data) != "rare-drop" {
		t.Fatalf("synced payload mismatch: %q", data)
	}
}
