// Package sibling fronts the out-of-core HTTP services that share the
// gateway's session-auth contract: keypackage publish/fetch and the
// social/profile surface. Bodies pass through opaque in both directions.
package sibling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
)

// requestTimeout bounds one proxied round trip.
const requestTimeout = 15 * time.Second

// maxProxyBody caps what the gateway will relay either way.
const maxProxyBody = 4 << 20

// Client proxies requests to one sibling service base URL.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewClient creates a proxy client for a sibling service. An empty
// baseURL yields a disabled client whose handler answers 503.
func NewClient(name, baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// proxied is one relayed response.
type proxied struct {
	status      int
	contentType string
	body        []byte
}

// forward relays method+path+body to the sibling behind the breaker.
func (c *Client) forward(ctx context.Context, method, path string, body io.Reader, userID string) (*proxied, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("build sibling request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		// The sibling trusts the gateway's session check; it receives the
		// resolved user, never the bearer token.
		req.Header.Set("X-Envgate-User", userID)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sibling round trip: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
		if err != nil {
			return nil, fmt.Errorf("read sibling response: %w", err)
		}
		return &proxied{
			status:      resp.StatusCode,
			contentType: resp.Header.Get("Content-Type"),
			body:        data,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*proxied), nil
}

// Handler returns a gin handler that forwards the request under pathPrefix
// to the sibling, preserving the remainder of the path and the query.
func (c *Client) Handler(pathPrefix string) gin.HandlerFunc {
	return func(g *gin.Context) {
		if !c.Enabled() {
			g.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "storage_unavailable",
				"message": "sibling service not configured",
			})
			return
		}

		path := pathPrefix + g.Param("rest")
		if raw := g.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}

		userID, _ := g.Get("user_id")
		uid, _ := userID.(string)

		body := io.LimitReader(g.Request.Body, maxProxyBody)
		resp, err := c.forward(g.Request.Context(), g.Request.Method, path, body, uid)
		if err != nil {
			logging.Warn(g.Request.Context(), "sibling proxy failed", zap.Error(err))
			g.JSON(http.StatusBadGateway, gin.H{
				"code":    "storage_unavailable",
				"message": "sibling service unavailable",
			})
			return
		}

		g.Data(resp.status, resp.contentType, resp.body)
	}
}
