package transport

import (
	"context"

	"github.com/psolyx/envgate/internal/v1/hub"
	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/sequencer"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// routeFrame dispatches one decoded client frame. The return value tells
// the read pump to stop (fatal error or handshake violation).
func (g *Gateway) routeFrame(c *Client, frame wire.Frame) bool {
	ctx := context.Background()
	sess, established := c.session()
	if established {
		ctx = context.WithValue(ctx, logging.SessionIDKey, string(sess.SessionID))
		ctx = context.WithValue(ctx, logging.UserIDKey, string(sess.UserID))
	}

	status := "ok"
	defer func() {
		metrics.WireFrames.WithLabelValues(string(frame.T), status).Inc()
	}()

	switch frame.T {
	case wire.TypeSessionStart:
		return g.handleSessionStart(ctx, c, frame)
	case wire.TypeSessionResume:
		return g.handleSessionResume(ctx, c, frame)
	case wire.TypePong:
		return false
	}

	// Everything else requires an established session.
	if !established {
		status = "unauthorized"
		c.sendError(wire.NewError(wire.CodeUnauthorized, "handshake required"), frame.ID)
		return true
	}
	// A revoked or expired session is rejected on its next frame.
	if _, err := g.sessions.ValidateHash(ctx, sess.SessionTokenHash); err != nil {
		e := wire.AsError(err)
		status = string(e.Code)
		c.sendError(e, frame.ID)
		return e.Code.Fatal()
	}
	g.touchPresence(ctx, sess.UserID)

	switch frame.T {
	case wire.TypeConvSubscribe:
		g.handleSubscribe(ctx, c, sess, frame)
	case wire.TypeConvAck:
		g.handleAck(ctx, c, sess, frame)
	case wire.TypeConvSend:
		g.handleSend(ctx, c, sess, frame)
	default:
		status = "invalid"
		c.sendError(wire.NewError(wire.CodeInvalidFrame, "unknown frame type"), frame.ID)
	}
	return false
}

// handleSessionStart performs the session.start handshake.
func (g *Gateway) handleSessionStart(ctx context.Context, c *Client, frame wire.Frame) bool {
	var body wire.SessionStartBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		c.sendError(err, frame.ID)
		return false
	}

	est, err := g.sessions.Start(ctx, body.AuthToken, types.DeviceIDType(body.DeviceID), body.DeviceCredential)
	if err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return true
	}
	if g.limiter != nil && !g.limiter.AllowWSUser(ctx, est.UserID) {
		c.sendError(wire.NewError(wire.CodeRateLimited, "session establishment rate exceeded"), frame.ID)
		return true
	}

	sess, err := g.sessions.Validate(ctx, est.SessionToken)
	if err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return true
	}
	c.setSession(sess)
	g.touchPresence(ctx, est.UserID)

	c.sendFrame(wire.TypeSessionReady, wire.SessionReadyBody{
		SessionToken: est.SessionToken,
		ResumeToken:  est.ResumeToken,
		UserID:       string(est.UserID),
		ExpiresAtMS:  est.ExpiresAtMS,
	}, frame.ID)
	return false
}

// handleSessionResume performs the session.resume handshake.
func (g *Gateway) handleSessionResume(ctx context.Context, c *Client, frame wire.Frame) bool {
	var body wire.SessionResumeBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		c.sendError(err, frame.ID)
		return false
	}

	est, err := g.sessions.Resume(ctx, body.ResumeToken)
	if err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return true
	}

	sess, err := g.sessions.Validate(ctx, est.SessionToken)
	if err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return true
	}
	c.setSession(sess)
	g.touchPresence(ctx, est.UserID)

	c.sendFrame(wire.TypeSessionReady, wire.SessionReadyBody{
		SessionToken: est.SessionToken,
		ResumeToken:  est.ResumeToken,
		UserID:       string(est.UserID),
		ExpiresAtMS:  est.ExpiresAtMS,
	}, frame.ID)
	return false
}

// handleSubscribe opens a subscription; replay errors surface as a single
// error frame with no conv.event.
func (g *Gateway) handleSubscribe(ctx context.Context, c *Client, sess types.Session, frame wire.Frame) {
	var body wire.ConvSubscribeBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		c.sendError(err, frame.ID)
		return
	}
	convID := types.ConvIDType(body.ConvID)
	ctx = context.WithValue(ctx, logging.ConvIDKey, body.ConvID)

	if err := g.registry.Authorize(ctx, convID, sess.UserID); err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return
	}

	var sink hub.Sink = c
	if body.AutoAck {
		sink = newAutoAckSink(c, g.cursors, sess.SessionID)
	}
	if _, err := g.hub.Subscribe(ctx, sess.SessionID, sess.UserID, convID, "ws", body.FromSeq, sink); err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return
	}
}

// handleAck advances the durable cursor and confirms with conv.acked.
func (g *Gateway) handleAck(ctx context.Context, c *Client, sess types.Session, frame wire.Frame) {
	var body wire.ConvAckBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		c.sendError(err, frame.ID)
		return
	}
	convID := types.ConvIDType(body.ConvID)

	if err := g.cursors.Ack(ctx, sess.SessionID, convID, body.Seq); err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return
	}
	c.sendFrame(wire.TypeConvAcked, wire.ConvAckedBody{ConvID: body.ConvID, Seq: body.Seq}, frame.ID)
}

// handleSend appends an envelope and acknowledges with its assigned seq.
func (g *Gateway) handleSend(ctx context.Context, c *Client, sess types.Session, frame wire.Frame) {
	var body wire.ConvSendBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		c.sendError(err, frame.ID)
		return
	}
	ctx = context.WithValue(ctx, logging.ConvIDKey, body.ConvID)

	res, err := g.sequencer.Append(ctx, sequencer.Request{
		ConvID:   types.ConvIDType(body.ConvID),
		Sender:   sess.UserID,
		DeviceID: sess.DeviceID,
		MsgID:    body.MsgID,
		Env:      body.Env,
	})
	if err != nil {
		c.sendError(wire.AsError(err), frame.ID)
		return
	}

	c.sendFrame(wire.TypeConvSent, wire.ConvSendAckBody{
		ConvID:    body.ConvID,
		Seq:       res.Seq,
		TSMS:      res.TSMS,
		Duplicate: res.Duplicate,
	}, frame.ID)
}
