package middleware

import (
	"strings"

	"github.com/dimitrije/nikode-collab/internal/services"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
)

const (
	UserIDKey   = "user_id"
	UserNameKey = "user_name"

	// TokenQueryParam carries the access token for clients that cannot set
	// headers: browser WebSockets and EventSource.
	TokenQueryParam = "token"
)

// TokenValidator is the part of services.JWTService the middleware needs.
type TokenValidator interface {
	ValidateAccessToken(token string) (*services.Claims, error)
}

var _ TokenValidator = (*services.JWTService)(nil)

// Auth requires a bearer token in the Authorization header.
func Auth(validator TokenValidator) drift.HandlerFunc {
	return func(c *drift.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		authenticate(c, validator, token)
	}
}

// StreamAuth accepts the Authorization header or, when it is absent, the
// token query parameter. Use it only on long-lived stream endpoints.
func StreamAuth(validator TokenValidator) drift.HandlerFunc {
	return func(c *drift.Context) {
		if c.GetHeader("Authorization") == "" {
			token := strings.TrimSpace(c.QueryParam(TokenQueryParam))
			if token == "" {
				c.Unauthorized("missing access token")
				return
			}
			authenticate(c, validator, token)
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			return
		}
		authenticate(c, validator, token)
	}
}

func bearerToken(c *drift.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.Unauthorized("missing authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		c.Unauthorized("invalid authorization header format")
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func authenticate(c *drift.Context, validator TokenValidator, token string) {
	claims, err := validator.ValidateAccessToken(token)
	if err != nil {
		c.Unauthorized("invalid or expired token")
		return
	}

	c.Set(UserIDKey, claims.UserID)
	c.Set(UserNameKey, claims.Name)

	c.Next()
}

func GetUserID(c *drift.Context) uuid.UUID {
	if id, ok := c.Get(UserIDKey); ok {
		if uid, ok := id.(uuid.UUID); ok {
			return uid
		}
	}
	return uuid.Nil
}

func GetUserName(c *drift.Context) string {
	if name, ok := c.Get(UserNameKey); ok {
		if n, ok := name.(string); ok {
			return n
		}
	}
	return ""
}
