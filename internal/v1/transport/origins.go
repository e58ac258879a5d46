package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// validateOrigin checks the Origin header against the allowlist. Requests
// without an Origin header (CLI clients) are allowed; browsers always set
// one.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("malformed origin %q", origin)
	}

	for _, allowed := range allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return nil
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if strings.EqualFold(parsed.Scheme, allowedURL.Scheme) && strings.EqualFold(parsed.Host, allowedURL.Host) {
			return nil
		}
	}
	return fmt.Errorf("origin %q not allowed", origin)
}

// originChecker adapts validateOrigin for the websocket upgrader.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return validateOrigin(r, allowedOrigins) == nil
	}
}
