package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psolyx/envgate/internal/v1/middleware"
	"github.com/psolyx/envgate/internal/v1/sequencer"
	"github.com/psolyx/envgate/internal/v1/types"
)

// inboxRequest accepts either a conv.send body or an ack body; exactly
// one shape must be present. The inbox exists for clients that cannot
// hold a socket.
type inboxRequest struct {
	ConvID string `json:"conv_id" binding:"required"`
	// conv.send fields
	MsgID string `json:"msg_id"`
	Env   []byte `json:"env"`
	// ack field
	Ack *int64 `json:"ack,omitempty"`
}

// Inbox handles POST /v1/inbox with the same semantics as WS conv.send,
// plus an ack form for SSE consumers.
func (g *Gateway) Inbox(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	var req inboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}
	g.touchPresence(c.Request.Context(), sess.UserID)

	if req.Ack != nil {
		if err := g.cursors.Ack(c.Request.Context(), sess.SessionID, types.ConvIDType(req.ConvID), *req.Ack); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conv_id": req.ConvID, "seq": *req.Ack})
		return
	}

	if req.MsgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "msg_id is required"})
		return
	}

	res, err := g.sequencer.Append(c.Request.Context(), sequencer.Request{
		ConvID:   types.ConvIDType(req.ConvID),
		Sender:   sess.UserID,
		DeviceID: sess.DeviceID,
		MsgID:    req.MsgID,
		Env:      req.Env,
	})
	if err != nil {
		abortWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conv_id":   req.ConvID,
		"seq":       res.Seq,
		"ts_ms":     res.TSMS,
		"duplicate": res.Duplicate,
	})
}
