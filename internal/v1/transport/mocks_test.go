package transport

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psolyx/envgate/internal/v1/auth"
	"github.com/psolyx/envgate/internal/v1/cursor"
	"github.com/psolyx/envgate/internal/v1/hub"
	"github.com/psolyx/envgate/internal/v1/registry"
	"github.com/psolyx/envgate/internal/v1/replay"
	"github.com/psolyx/envgate/internal/v1/sequencer"
	"github.com/psolyx/envgate/internal/v1/session"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// stubValidator maps bootstrap tokens to subjects.
type stubValidator struct {
	subjects map[string]string
}

func (v *stubValidator) ValidateToken(token string) (*auth.CustomClaims, error) {
	sub, ok := v.subjects[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	claims := &auth.CustomClaims{}
	claims.Subject = sub
	return claims, nil
}

// fakeConn is an in-memory wsConnection driven by tests.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// pending holds frames set aside by nextFrame; accessed only from the
	// test goroutine.
	pending []wire.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil // websocket.TextMessage
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if messageType != 1 {
		return nil // ignore close/control frames
	}
	select {
	case c.out <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// clientSend marshals and feeds a frame to the read pump.
func (c *fakeConn) clientSend(t *testing.T, frameType wire.FrameType, id string, body any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	frame := wire.Frame{V: 1, T: frameType, ID: id, TS: 1, Body: raw}
	data, err := frame.Marshal()
	require.NoError(t, err)
	c.in <- data
}

// nextFrame waits for the next server frame of the given type. Frames of
// other types are held aside (conv.sent and conv.event ordering is not
// deterministic relative to each other) and replayed to later calls;
// pings are dropped; an unexpected error frame fails the test.
func (c *fakeConn) nextFrame(t *testing.T, want wire.FrameType, timeout time.Duration) wire.Frame {
	t.Helper()
	for i, frame := range c.pending {
		if frame.T == want {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return frame
		}
	}
	deadline := time.After(timeout)
	for {
		select {
		case data := <-c.out:
			var frame wire.Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			switch frame.T {
			case want:
				return frame
			case wire.TypePing:
			case wire.TypeError:
				t.Fatalf("unexpected error frame while waiting for %s: %s", want, data)
			default:
				c.pending = append(c.pending, frame)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", want)
			return wire.Frame{}
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fixture struct {
	gw       *Gateway
	store    *store.SQLiteStore
	reg      *registry.Registry
	sessions *session.Manager
	hub      *hub.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "transport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	validator := &stubValidator{subjects: map[string]string{
		"alice-token": "alice",
		"bob-token":   "bob",
	}}
	sessions := session.NewManager(st, validator, 30*time.Minute, 24*time.Hour, 0)
	reg := registry.New(st)
	cursors := cursor.New(st)
	engine := replay.New(st, cursors)
	fanoutHub := hub.New(engine, engine, hub.Config{
		QueueLen:          64,
		SlowConsumerGrace: time.Second,
	})
	reg.SetRemovalWatcher(fanoutHub)
	t.Cleanup(func() { _ = fanoutHub.Shutdown(testCtx(t)) })

	coordinator := sequencer.New(st, reg, fanoutHub, 1024)

	gw := NewGateway(sessions, reg, coordinator, fanoutHub, cursors, Limits{
		PingInterval:     time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
		AllowedOrigins:   []string{"http://localhost:3000"},
		GatewayID:        "gw-test",
	})
	return &fixture{gw: gw, store: st, reg: reg, sessions: sessions, hub: fanoutHub}
}

// connect spins up a client on a fake connection.
func (f *fixture) connect(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	client := f.gw.HandleConnection(conn)
	t.Cleanup(client.close)
	return conn
}

// handshake establishes a session over the socket and returns session.ready.
func (f *fixture) handshake(t *testing.T, conn *fakeConn, authToken, deviceID string) wire.SessionReadyBody {
	t.Helper()
	conn.clientSend(t, wire.TypeSessionStart, "hs-1", wire.SessionStartBody{
		AuthToken: authToken,
		DeviceID:  deviceID,
	})
	frame := conn.nextFrame(t, wire.TypeSessionReady, 5*time.Second)
	var ready wire.SessionReadyBody
	require.NoError(t, json.Unmarshal(frame.Body, &ready))
	return ready
}
