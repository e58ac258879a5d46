package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/session"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// Context keys for the authenticated session.
const (
	CtxSession = "session"
	CtxUserID  = "user_id"
)

// PresenceToucher records coarse activity; nil-safe.
type PresenceToucher interface {
	Touch(ctx context.Context, userID types.UserIDType)
}

// SessionAuth authenticates the Bearer session_token on HTTP requests and
// places the live session on the gin context.
func SessionAuth(mgr *session.Manager, presence PresenceToucher) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    string(wire.CodeUnauthorized),
				"message": "missing bearer token",
			})
			return
		}

		sess, err := mgr.Validate(c.Request.Context(), token)
		if err != nil {
			e := wire.AsError(err)
			logging.Warn(c.Request.Context(), "request rejected: invalid session token")
			c.AbortWithStatusJSON(e.Code.HTTPStatus(), e.HTTPBody())
			return
		}

		c.Set(CtxSession, sess)
		c.Set(CtxUserID, string(sess.UserID))
		if presence != nil {
			presence.Touch(c.Request.Context(), sess.UserID)
		}
		c.Next()
	}
}

// SessionFrom extracts the authenticated session placed by SessionAuth.
func SessionFrom(c *gin.Context) (types.Session, bool) {
	v, ok := c.Get(CtxSession)
	if !ok {
		return types.Session{}, false
	}
	sess, ok := v.(types.Session)
	return sess, ok
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
