package custody

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Authorizer reports whether caller may mint.
type Authorizer interface {
	IsAdministrator(ctx context.Context, caller string) (bool, error)
}

// Handler exposes the vault over HTTP.
type Handler struct {
	vault *Vault
	auth  Authorizer
}

// NewHandler creates a new vault handler.
func NewHandler(vault *Vault, auth Authorizer) *Handler {
	return &Handler{vault: vault, auth: auth}
}

// RegisterRoutes sets up public collection routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/items/:itemId/owner", h.GetOwner)
	r.GET("/owners/:address/items", h.ListItems)
}

// RegisterAdminRoutes sets up minting, which requires the administrator.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/items/mint", h.Mint)
}

// MintRequest is the body of POST /v1/admin/items/mint.
type MintRequest struct {
	To     string `json:"to" binding:"required"`
	ItemID string `json:"itemId" binding:"required"`
}

// Mint handles POST /v1/admin/items/mint
func (h *Handler) Mint(c *gin.Context) {
	ok, err := h.auth.IsAdministrator(c.Request.Context(), c.GetString("authAddr"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to check administrator"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "caller is not the administrator"})
		return
	}

	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to and itemId are required"})
		return
	}
	id, err := h.vault.Mint(c.Request.Context(), req.To, req.ItemID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"itemId": id, "owner": normalize(req.To)})
}

// GetOwner handles GET /v1/items/:itemId/owner
func (h *Handler) GetOwner(c *gin.Context) {
	owner, err := h.vault.OwnerOf(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"itemId":  c.Param("itemId"),
		"owner":   owner,
		"inVault": owner == h.vault.Address(),
	})
}

// ListItems handles GET /v1/owners/:address/items
func (h *Handler) ListItems(c *gin.Context) {
	items := h.vault.ItemsOf(c.Request.Context(), c.Param("address"))
	if items == nil {
		items = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrUnknownItem):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyMinted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_minted", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
