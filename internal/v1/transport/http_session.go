package transport

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psolyx/envgate/internal/v1/middleware"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// abortWith renders a domain error on the HTTP surface.
func abortWith(c *gin.Context, err error) {
	e := wire.AsError(err)
	c.JSON(e.Code.HTTPStatus(), e.HTTPBody())
}

type sessionStartRequest struct {
	AuthToken        string `json:"auth_token" binding:"required"`
	DeviceID         string `json:"device_id" binding:"required"`
	DeviceCredential string `json:"device_credential"`
}

// StartSession handles POST /v1/session/start.
func (g *Gateway) StartSession(c *gin.Context) {
	var req sessionStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}

	est, err := g.sessions.Start(c.Request.Context(), req.AuthToken, types.DeviceIDType(req.DeviceID), req.DeviceCredential)
	if err != nil {
		abortWith(c, err)
		return
	}
	g.touchPresence(c.Request.Context(), est.UserID)

	c.JSON(http.StatusCreated, gin.H{
		"session_token": est.SessionToken,
		"resume_token":  est.ResumeToken,
		"user_id":       string(est.UserID),
		"expires_at_ms": est.ExpiresAtMS,
	})
}

type sessionResumeRequest struct {
	ResumeToken string `json:"resume_token" binding:"required"`
}

// ResumeSession handles POST /v1/session/resume.
func (g *Gateway) ResumeSession(c *gin.Context) {
	var req sessionResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}

	est, err := g.sessions.Resume(c.Request.Context(), req.ResumeToken)
	if err != nil {
		abortWith(c, err)
		return
	}
	g.touchPresence(c.Request.Context(), est.UserID)

	c.JSON(http.StatusOK, gin.H{
		"session_token": est.SessionToken,
		"resume_token":  est.ResumeToken,
		"user_id":       string(est.UserID),
		"expires_at_ms": est.ExpiresAtMS,
	})
}

// ListSessions handles GET /v1/session/list.
func (g *Gateway) ListSessions(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	infos, err := g.sessions.List(c.Request.Context(), sess.UserID, sess.SessionID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

type sessionRevokeRequest struct {
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	IncludeSelf bool   `json:"include_self"`
}

// RevokeSession handles POST /v1/session/revoke.
func (g *Gateway) RevokeSession(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	var req sessionRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "malformed request body"})
		return
	}
	if req.SessionID == "" && req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_frame", "message": "session_id or device_id is required"})
		return
	}

	revoked, err := g.sessions.Revoke(c.Request.Context(), sess.UserID,
		types.SessionIDType(req.SessionID), types.DeviceIDType(req.DeviceID),
		sess.SessionID, req.IncludeSelf)
	if err != nil {
		abortWith(c, err)
		return
	}
	g.dropRevokedSubscriptions(c.Request.Context(), req.SessionID, req.DeviceID, sess)
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// Logout handles POST /v1/session/logout.
func (g *Gateway) Logout(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	if err := g.sessions.Logout(c.Request.Context(), sess); err != nil {
		abortWith(c, err)
		return
	}
	g.hub.SessionRevoked(sess.SessionID)
	c.JSON(http.StatusOK, gin.H{"revoked": 1})
}

// LogoutAll handles POST /v1/session/logout_all.
func (g *Gateway) LogoutAll(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	revoked, err := g.sessions.LogoutAll(c.Request.Context(), sess.UserID)
	if err != nil {
		abortWith(c, err)
		return
	}
	g.hub.SessionRevoked(sess.SessionID)
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// dropRevokedSubscriptions closes live subscriptions for sessions the
// caller just revoked.
func (g *Gateway) dropRevokedSubscriptions(ctx context.Context, sessionID, deviceID string, caller types.Session) {
	if sessionID != "" {
		g.hub.SessionRevoked(types.SessionIDType(sessionID))
		return
	}
	infos, err := g.sessions.List(ctx, caller.UserID, caller.SessionID)
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.Revoked && info.DeviceID == types.DeviceIDType(deviceID) {
			g.hub.SessionRevoked(info.SessionID)
		}
	}
}
