package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/psolyx/envgate/internal/v1/middleware"
	"github.com/psolyx/envgate/internal/v1/types"
)

type roomCreateRequest struct {
	ConvID string `json:"conv_id" binding:"required"`
}

// CreateRoom handles POST /v1/rooms/create. Duplicate creation returns
// 409; a fresh conversation is indistinguishable from an existing empty
// one.
func (g *Gateway) CreateRoom(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	var req roomCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}

	if err := g.registry.Create(c.Request.Context(), types.ConvIDType(req.ConvID), sess.UserID, g.clock().UnixMilli()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conv_id": req.ConvID})
}

type roomMemberRequest struct {
	ConvID string `json:"conv_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

// InviteMember handles POST /v1/rooms/invite.
func (g *Gateway) InviteMember(c *gin.Context) {
	g.memberOp(c, g.registry.Invite)
}

// RemoveMember handles POST /v1/rooms/remove.
func (g *Gateway) RemoveMember(c *gin.Context) {
	g.memberOp(c, g.registry.Remove)
}

// PromoteMember handles POST /v1/rooms/promote.
func (g *Gateway) PromoteMember(c *gin.Context) {
	g.memberOp(c, g.registry.Promote)
}

// DemoteMember handles POST /v1/rooms/demote.
func (g *Gateway) DemoteMember(c *gin.Context) {
	g.memberOp(c, g.registry.Demote)
}

// memberOp factors the shared decode/authz/respond shape of the four
// membership mutations.
func (g *Gateway) memberOp(c *gin.Context, op func(ctx context.Context, convID types.ConvIDType, caller, userID types.UserIDType) error) {
	sess, _ := middleware.SessionFrom(c)
	var req roomMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}

	if err := op(c.Request.Context(), types.ConvIDType(req.ConvID), sess.UserID, types.UserIDType(req.UserID)); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conv_id": req.ConvID, "user_id": req.UserID})
}

// ListRoomMembers handles GET /v1/rooms/members?conv_id=…
func (g *Gateway) ListRoomMembers(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	convID := types.ConvIDType(c.Query("conv_id"))
	if convID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "conv_id is required"})
		return
	}

	members, err := g.registry.Members(c.Request.Context(), convID, sess.UserID)
	if err != nil {
		abortWith(c, err)
		return
	}

	out := make([]gin.H, 0, len(members))
	for _, m := range members {
		out = append(out, gin.H{"user_id": string(m.UserID), "role": string(m.Role)})
	}
	c.JSON(http.StatusOK, gin.H{"conv_id": string(convID), "members": out})
}

type dmCreateRequest struct {
	PeerUserID string `json:"peer_user_id" binding:"required"`
}

// CreateDM handles POST /v1/dms/create: the canonical two-member
// conversation for a user pair, idempotent on the pair.
func (g *Gateway) CreateDM(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	var req dmCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}

	convID := dmConvID(sess.UserID, types.UserIDType(req.PeerUserID))
	created, err := g.registry.CreateDM(c.Request.Context(), convID, sess.UserID, types.UserIDType(req.PeerUserID), g.clock().UnixMilli())
	if err != nil {
		abortWith(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conv_id": string(convID), "created": created})
}

// dmConvID derives the canonical conversation id for a user pair: order
// the ids, hash, prefix. Stable regardless of who initiates.
func dmConvID(a, b types.UserIDType) types.ConvIDType {
	pair := []string{string(a), string(b)}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + "\x00" + pair[1]))
	return types.ConvIDType("dm-" + hex.EncodeToString(sum[:16]))
}
