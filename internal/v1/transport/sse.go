package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psolyx/envgate/internal/v1/hub"
	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/middleware"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// sseHeartbeat is the comment-line keepalive interval for SSE streams.
const sseHeartbeat = 15 * time.Second

// sseMessage is one framed server-sent event ready for the wire.
type sseMessage struct {
	event string
	id    string
	data  []byte
}

// sseSink adapts one SSE stream to the hub's Sink interface. Events flow
// through a channel into the handler goroutine, which owns the
// http.ResponseWriter.
type sseSink struct {
	events chan sseMessage
	done   chan struct{}
}

func newSSESink() *sseSink {
	return &sseSink{
		events: make(chan sseMessage, 16),
		done:   make(chan struct{}),
	}
}

// WriteEvent implements hub.Sink.
func (s *sseSink) WriteEvent(ctx context.Context, row types.EnvelopeRow) error {
	data, err := json.Marshal(wire.ConvEventBody{
		ConvID:        string(row.ConvID),
		Seq:           row.Seq,
		MsgID:         row.MsgID,
		Env:           row.Env,
		TS:            row.TSMS,
		OriginGateway: row.OriginGateway,
		ConvHome:      row.ConvHome,
	})
	if err != nil {
		return err
	}
	msg := sseMessage{event: "conv.event", id: strconv.FormatInt(row.Seq, 10), data: data}
	select {
	case s.events <- msg:
		return nil
	case <-s.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriptionClosed implements hub.Sink: the terminal error (if any) is
// delivered as a final error event, then the stream ends.
func (s *sseSink) SubscriptionClosed(convID types.ConvIDType, terminal *wire.Error) {
	if terminal != nil {
		body := wire.ErrorBody{Code: string(terminal.Code), Message: terminal.Message, Details: terminal.Details}
		if data, err := json.Marshal(body); err == nil {
			select {
			case s.events <- sseMessage{event: "error", data: data}:
			case <-s.done:
			}
		}
	}
	close(s.events)
}

// ServeSSE streams one conversation's conv.event entries. Acks arrive via
// POST /v1/inbox or a parallel WebSocket session; SSE itself is one-way.
func (g *Gateway) ServeSSE(c *gin.Context) {
	sess, ok := middleware.SessionFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "missing session"})
		return
	}

	convID := types.ConvIDType(c.Query("conv_id"))
	if convID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "conv_id is required"})
		return
	}

	var fromSeq *types.Seq
	if raw := c.Query("from_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "from_seq must be a non-negative integer"})
			return
		}
		fromSeq = &n
	}

	ctx := context.WithValue(c.Request.Context(), logging.ConvIDKey, string(convID))
	if err := g.registry.Authorize(ctx, convID, sess.UserID); err != nil {
		e := wire.AsError(err)
		c.JSON(e.Code.HTTPStatus(), e.HTTPBody())
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "message": "streaming unsupported"})
		return
	}

	sink := newSSESink()
	defer close(sink.done)

	var hubSink hub.Sink = sink
	if c.Query("auto_ack") == "true" {
		hubSink = newAutoAckSink(sink, g.cursors, sess.SessionID)
	}

	sub, err := g.hub.Subscribe(ctx, sess.SessionID, sess.UserID, convID, "sse", fromSeq, hubSink)
	if err != nil {
		// Replay-window errors surface as the response body; the client
		// resubscribes from earliest_seq.
		e := wire.AsError(err)
		c.JSON(e.Code.HTTPStatus(), e.HTTPBody())
		return
	}
	defer g.hub.Unsubscribe(sess.SessionID, convID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	metrics.ActiveSSEStreams.Inc()
	defer metrics.ActiveSSEStreams.Dec()
	g.touchPresence(ctx, sess.UserID)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-sub.Done():
			// Drain any terminal error event the sink still holds.
			for msg := range sink.events {
				writeSSE(c, msg)
			}
			flusher.Flush()
			return
		case msg, ok := <-sink.events:
			if !ok {
				return
			}
			writeSSE(c, msg)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, msg sseMessage) {
	if msg.id != "" {
		fmt.Fprintf(c.Writer, "id: %s\n", msg.id)
	}
	if msg.event != "" {
		fmt.Fprintf(c.Writer, "event: %s\n", msg.event)
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", msg.data)
}
