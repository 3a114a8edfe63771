package rewardpool

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
)

// Authorizer reports whether caller may fund the pool.
type Authorizer interface {
	IsAdministrator(ctx context.Context, caller string) (bool, error)
}

// Handler provides HTTP endpoints for the reward pool.
type Handler struct {
	pool *Pool
	auth Authorizer
}

// NewHandler creates a new pool handler.
func NewHandler(pool *Pool, auth Authorizer) *Handler {
	return &Handler{pool: pool, auth: auth}
}

// RegisterRoutes sets up public pool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pool", h.GetPool)
}

// RegisterAdminRoutes sets up pool funding.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/pool/fund", h.Fund)
}

// EntryView is the JSON form of an Entry.
type EntryView struct {
	*Entry
	Amount string `json:"amount"`
}

// FundRequest is the body of POST /v1/admin/pool/fund.
type FundRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// GetPool handles GET /v1/pool
func (h *Handler) GetPool(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	summary, err := h.pool.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to read pool"})
		return
	}
	entries, err := h.pool.History(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to read pool history"})
		return
	}
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, EntryView{Entry: e, Amount: e.Amount.Dec()})
	}

	var updatedAt *time.Time
	if !summary.UpdatedAt.IsZero() {
		updatedAt = &summary.UpdatedAt
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":     summary.Balance.Dec(),
		"totalFunded": summary.TotalFunded.Dec(),
		"totalPaid":   summary.TotalPaid.Dec(),
		"updatedAt":   updatedAt,
		"entries":     views,
	})
}

// Fund handles POST /v1/admin/pool/fund
func (h *Handler) Fund(c *gin.Context) {
	caller := c.GetString("authAddr")
	ok, err := h.auth.IsAdministrator(c.Request.Context(), caller)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to check administrator"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "caller is not the administrator"})
		return
	}

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be a non-negative integer"})
		return
	}

	entry, err := h.pool.Fund(c.Request.Context(), caller, amount, req.Reference)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidAccount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to fund pool"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": EntryView{Entry: entry, Amount: entry.Amount.Dec()}})
}
