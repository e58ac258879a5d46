package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// sendBuffer decouples the frame router from socket writes; subscription
// delivery applies its own backpressure bound on top.
const sendBuffer = 256

// maxInvalidFrames closes the socket after repeated undecodable input.
const maxInvalidFrames = 8

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

// Client represents a single device's WebSocket connection to the gateway.
type Client struct {
	conn wsConnection
	gw   *Gateway

	mu            sync.RWMutex
	sess          types.Session
	established   bool
	invalidFrames int

	send     chan []byte
	lastPong atomic.Int64 // unix ms of the last pong (or any inbound frame)

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn wsConnection, gw *Gateway) *Client {
	c := &Client{
		conn: conn,
		gw:   gw,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.lastPong.Store(gw.clock().UnixMilli())
	return c
}

// session returns the authenticated session, if the handshake completed.
func (c *Client) session() (types.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess, c.established
}

func (c *Client) setSession(sess types.Session) {
	c.mu.Lock()
	c.sess = sess
	c.established = true
	c.mu.Unlock()
}

// close tears the connection down once. The write pump observes done,
// drains any queued frames (a final error frame must still reach the
// peer), and closes the socket, which in turn unblocks the read pump.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if sess, ok := c.session(); ok {
			c.gw.hub.DropSession(sess.SessionID)
		}
	})
}

// readPump continuously processes incoming WebSocket frames.
func (c *Client) readPump() {
	defer func() {
		c.close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.lastPong.Store(c.gw.clock().UnixMilli())

		frame, derr := wire.DecodeFrame(data)
		if derr != nil {
			metrics.WireFrames.WithLabelValues("unknown", "invalid").Inc()
			c.sendError(derr, "")
			if c.bumpInvalid() {
				logging.Warn(context.Background(), "closing socket after repeated invalid frames")
				return
			}
			continue
		}

		if fatal := c.gw.routeFrame(c, frame); fatal {
			return
		}
	}
}

// bumpInvalid counts malformed input; returns true when the socket should close.
func (c *Client) bumpInvalid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidFrames++
	return c.invalidFrames >= maxInvalidFrames
}

// writePump owns all socket writes: queued frames, heartbeat pings, and
// the periodic revocation check.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gw.limits.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.drainSend()
			return
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(c.gw.clock().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Debug(context.Background(), "socket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if !c.heartbeat() {
				return
			}
		}
	}
}

// drainSend flushes frames queued before shutdown so terminal errors
// reach the peer.
func (c *Client) drainSend() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(c.gw.clock().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// heartbeat sends a ping and enforces liveness and revocation. Returns
// false when the connection must close.
func (c *Client) heartbeat() bool {
	now := c.gw.clock()
	if now.UnixMilli()-c.lastPong.Load() > c.gw.limits.HeartbeatTimeout.Milliseconds() {
		logging.Debug(context.Background(), "heartbeat timeout, dropping connection")
		return false
	}

	// Revocation becomes effective within one heartbeat.
	if sess, ok := c.session(); ok {
		if _, err := c.gw.sessions.ValidateHash(context.Background(), sess.SessionTokenHash); err != nil {
			c.sendError(wire.AsError(err), "")
			return false
		}
	}

	frame, err := wire.NewFrame(wire.TypePing, nil, now)
	if err != nil {
		return false
	}
	data, err := frame.Marshal()
	if err != nil {
		return false
	}
	_ = c.conn.SetWriteDeadline(now.Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// enqueue places a marshalled frame on the send queue without blocking
// the caller indefinitely.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// sendFrame marshals and queues a server frame.
func (c *Client) sendFrame(t wire.FrameType, body any, correlationID string) {
	frame, err := wire.NewFrame(t, body, c.gw.clock())
	if err != nil {
		logging.Error(context.Background(), "failed to build frame", zap.Error(err))
		return
	}
	if correlationID != "" {
		frame.ID = correlationID
	}
	data, err := frame.Marshal()
	if err != nil {
		return
	}
	c.enqueue(data)
}

// sendError emits a single error frame; fatal codes close the socket.
func (c *Client) sendError(e *wire.Error, correlationID string) {
	data, err := wire.ErrorFrame(e, correlationID, c.gw.clock()).Marshal()
	if err != nil {
		return
	}
	c.enqueue(data)
	if e.Code.Fatal() {
		c.close()
	}
}

// --- hub.Sink implementation ---

// WriteEvent delivers one envelope as a conv.event frame. It blocks until
// the frame is queued or ctx expires; the hub treats expiry as a slow
// consumer.
func (c *Client) WriteEvent(ctx context.Context, row types.EnvelopeRow) error {
	frame, err := wire.NewFrame(wire.TypeConvEvent, wire.ConvEventBody{
		ConvID:        string(row.ConvID),
		Seq:           row.Seq,
		MsgID:         row.MsgID,
		Env:           row.Env,
		TS:            row.TSMS,
		OriginGateway: row.OriginGateway,
		ConvHome:      row.ConvHome,
	}, c.gw.clock())
	if err != nil {
		return err
	}
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriptionClosed reports a subscription's terminal error to the client.
func (c *Client) SubscriptionClosed(convID types.ConvIDType, terminal *wire.Error) {
	if terminal == nil {
		return
	}
	c.sendError(terminal.WithDetail("conv_id", string(convID)), "")
}
