package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/psolyx/envgate/internal/v1/logging"
	"go.uber.org/zap"
)

// MockValidator is a development-only token validator that accepts any token
type MockValidator struct{}

// ValidateToken extracts the 'sub' claim without verifying the signature.
// This ensures the user id matches between client and gateway in dev runs.
func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var subject, name, email string

	// Parse JWT token (format: header.payload.signature)
	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		// Decode the payload (base64 URL encoded)
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
				logging.Debug(context.Background(), "MockValidator parsed JWT", zap.String("subject", subject))
			}
		}
	}

	// Fallback to default if parsing failed
	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &CustomClaims{
		Name:  name,
		Email: email,
	}
	claims.Subject = subject
	return claims, nil
}
