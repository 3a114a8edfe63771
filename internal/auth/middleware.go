package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware. Ledger handlers read ContextKeyAddr as the
// acting owner.
const (
	ContextKeyAPIKey = "apiKey"
	ContextKeyAddr   = "authAddr"
	contextKeyReject = "authReject"
)

// credential returns the raw key from the Authorization or X-API-Key header.
func credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.TrimSpace(h) != "" {
		return stripScheme(h)
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// Middleware resolves the caller from their API key. It never aborts: a
// missing or rejected key leaves the request anonymous and RequireAuth
// decides.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := credential(c)
		if raw == "" {
			c.Next()
			return
		}
		key, err := m.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			c.Set(contextKeyReject, err)
		} else {
			c.Set(ContextKeyAPIKey, key)
			c.Set(ContextKeyAddr, key.Address)
		}
		c.Next()
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAuthenticated(c) {
			c.Next()
			return
		}
		if _, rejected := c.Get(contextKeyReject); rejected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_api_key",
				"message": ErrInvalidAPIKey.Error(),
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Send 'Authorization: Bearer sk_...'.",
		})
	}
}

// GetAPIKey returns the caller's key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedAddress returns the caller's owner address, or "".
func GetAuthenticatedAddress(c *gin.Context) string {
	return c.GetString(ContextKeyAddr)
}

// IsAuthenticated reports whether Middleware accepted a key.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
