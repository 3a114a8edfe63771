package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakeledger/internal/validation"
)

// Handler serves key management.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the routes that act on the caller's own keys. The
// group must already run Middleware and RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
	r.GET("/auth/me", h.GetCurrentOwner)
}

// Info handles GET /v1/auth/info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "The key's address is the owner for stake, unstake, withdraw and claim.",
		"publicEndpoints": []string{
			"GET /v1/parameters",
			"GET /v1/ledger",
			"GET /v1/rates",
			"GET /v1/owners/:address/stakes",
			"GET /v1/owners/:address/rewards",
			"GET /v1/events",
			"GET /v1/pool",
		},
		"protectedEndpoints": []string{
			"POST /v1/stakes",
			"POST /v1/stakes/:itemId/unstake",
			"POST /v1/stakes/:itemId/withdraw",
			"POST /v1/rewards/claim",
		},
	})
}

const keyWarning = "Store this key securely. It will not be shown again."

// keyView never includes the hash.
func keyView(k *APIKey) gin.H {
	v := gin.H{
		"id":        k.ID,
		"name":      k.Name,
		"createdAt": k.CreatedAt,
		"revoked":   k.Revoked,
	}
	if !k.LastUsed.IsZero() {
		v["lastUsed"] = k.LastUsed
	}
	if k.ExpiresAt != nil {
		v["expiresAt"] = k.ExpiresAt
	}
	return v
}

func callerKey(c *gin.Context) (*APIKey, bool) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": ErrNoAPIKey.Error()})
	}
	return key, ok
}

func internalError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}

// IssueKeyRequest is the body of POST /v1/keys.
type IssueKeyRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// IssueKey handles POST /v1/keys. It mints a key for any address, so the
// server only mounts it outside production.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Check(
		validation.Required("address", req.Address),
		validation.Address("address", req.Address),
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
	); errs != nil {
		validation.Abort(c, errs)
		return
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(),
		validation.SanitizeAddress(req.Address), nameOr(req.Name, "Development key"))
	if err != nil {
		internalError(c, "Failed to create API key")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   key.ID,
		"address": key.Address,
		"warning": keyWarning,
	})
}

// ListKeys handles GET /v1/auth/keys
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := callerKey(c)
	if !ok {
		return
	}
	keys, err := h.manager.ListKeys(c.Request.Context(), key.Address)
	if err != nil {
		internalError(c, "Failed to list keys")
		return
	}
	views := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView(k))
	}
	c.JSON(http.StatusOK, gin.H{"keys": views, "count": len(views)})
}

// CreateKeyRequest is the optional body of POST /v1/auth/keys.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey handles POST /v1/auth/keys
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := callerKey(c)
	if !ok {
		return
	}
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req) // empty body is fine

	raw, created, err := h.manager.GenerateKey(c.Request.Context(), key.Address, nameOr(req.Name, "Additional key"))
	if err != nil {
		internalError(c, "Failed to create API key")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   created.ID,
		"name":    created.Name,
		"warning": keyWarning,
	})
}

// RevokeKey handles DELETE /v1/auth/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := callerKey(c)
	if !ok {
		return
	}
	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Address)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found or already revoked"})
	case err != nil:
		internalError(c, "Failed to revoke key")
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
	}
}

// GetCurrentOwner handles GET /v1/auth/me
func (h *Handler) GetCurrentOwner(c *gin.Context) {
	key, ok := callerKey(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": key.Address, "key": keyView(key)})
}

func nameOr(name, fallback string) string {
	if n := validation.SanitizeString(name, validation.MaxNameLength); n != "" {
		return n
	}
	return fallback
}
