package staking

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakeledger/internal/validation"
)

// errorKinds maps sentinel errors to an HTTP status and a stable code. The
// first match wins.
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{ErrAlreadyStaked, http.StatusConflict, "already_staked"},
	{ErrNotStaked, http.StatusNotFound, "not_staked"},
	{ErrAlreadyUnbonding, http.StatusConflict, "already_unbonding"},
	{ErrUnbondingPeriodNotElapsed, http.StatusConflict, "unbonding_period_not_elapsed"},
	{ErrClaimTooEarly, http.StatusConflict, "claim_too_early"},
	{ErrInsufficientRewardBalance, http.StatusServiceUnavailable, "insufficient_reward_balance"},
	{ErrArithmeticOverflow, http.StatusUnprocessableEntity, "arithmetic_overflow"},
	{ErrNonMonotonicTick, http.StatusConflict, "non_monotonic_tick"},
	{ErrPaused, http.StatusServiceUnavailable, "paused"},
	{ErrNoRateDefined, http.StatusNotFound, "no_rate_defined"},
	{ErrInvalidParameter, http.StatusBadRequest, "invalid_parameter"},
	{ErrClockRegression, http.StatusServiceUnavailable, "clock_regression"},
	{ErrNotInitialized, http.StatusServiceUnavailable, "not_initialized"},
	{ErrCustodyTransfer, http.StatusBadGateway, "custody_transfer_failed"},
}

// ErrorKind returns the HTTP status and code for err.
func ErrorKind(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	_, code := ErrorKind(err)
	return code
}

func writeError(c *gin.Context, err error) {
	status, code := ErrorKind(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// --- response views; amounts are decimal strings ---

// RecordView is the JSON form of a StakeRecord.
type RecordView struct {
	*StakeRecord
	PendingReward string `json:"pendingReward"`
}

// NewRecordView renders r.
func NewRecordView(r *StakeRecord) RecordView {
	return RecordView{StakeRecord: r, PendingReward: r.PendingReward.Dec()}
}

// RateView is the JSON form of a RateEntry.
type RateView struct {
	RateEntry
	Rate string `json:"rate"`
}

// NewRateView renders e.
func NewRateView(e RateEntry) RateView {
	return RateView{RateEntry: e, Rate: e.Rate.Dec()}
}

// PreviewView is the JSON form of a RewardPreview.
type PreviewView struct {
	*RewardPreview
	Claimable    string            `json:"claimable"`
	Locked       string            `json:"locked"`
	Carried      string            `json:"carried"`
	TotalClaimed string            `json:"totalClaimed"`
	Items        []ItemPreviewView `json:"items"`
}

// ItemPreviewView is the JSON form of an ItemPreview.
type ItemPreviewView struct {
	ItemPreview
	Pending string `json:"pending"`
}

// NewPreviewView renders p.
func NewPreviewView(p *RewardPreview) PreviewView {
	v := PreviewView{
		RewardPreview: p,
		Claimable:     p.Claimable.Dec(),
		Locked:        p.Locked.Dec(),
		Carried:       p.Carried.Dec(),
		TotalClaimed:  p.TotalClaimed.Dec(),
		Items:         make([]ItemPreviewView, 0, len(p.Items)),
	}
	for _, it := range p.Items {
		v.Items = append(v.Items, ItemPreviewView{ItemPreview: it, Pending: it.Pending.Dec()})
	}
	return v
}

// Handler provides HTTP endpoints for the staking ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new staking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parameters", h.GetParameters)
	r.GET("/ledger", h.GetSnapshot)
	r.GET("/rates", h.ListRates)
	r.GET("/rates/at/:tick", h.GetRateAt)
	r.GET("/owners/:address/stakes", h.ListOwnerStakes)
	r.GET("/owners/:address/stakes/:itemId", h.GetStake)
	r.GET("/owners/:address/rewards", h.PreviewRewards)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up routes acting on the authenticated owner.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/stakes", h.Stake)
	r.POST("/stakes/:itemId/unstake", h.Unstake)
	r.POST("/stakes/:itemId/withdraw", h.Withdraw)
	r.POST("/rewards/claim", h.ClaimReward)
}

// RegisterAdminRoutes sets up administrator routes. The service checks the
// caller against the administrator role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/rate", h.UpdateRewardPerBlock)
	r.POST("/admin/rates", h.AppendRate)
	r.PUT("/admin/unbonding-period", h.UpdateUnbondingPeriod)
	r.PUT("/admin/reward-delay", h.UpdateRewardDelay)
	r.POST("/admin/pause", h.Pause)
	r.POST("/admin/unpause", h.Unpause)
	r.POST("/admin/administrator", h.TransferAdministration)
}

// StakeRequest is the body of POST /v1/stakes.
type StakeRequest struct {
	ItemID string `json:"itemId" binding:"required"`
}

// RateRequest is the body of POST /v1/admin/rate and /v1/admin/rates.
type RateRequest struct {
	Rate              string  `json:"rate" binding:"required"`
	EffectiveFromTick *uint64 `json:"effectiveFromTick"`
}

// PeriodRequest is the body of the period update routes.
type PeriodRequest struct {
	Seconds *uint64 `json:"seconds" binding:"required"`
}

// AdministratorRequest is the body of POST /v1/admin/administrator.
type AdministratorRequest struct {
	Address string `json:"address" binding:"required"`
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func caller(c *gin.Context) string {
	return c.GetString("authAddr")
}

// Stake handles POST /v1/stakes
func (h *Handler) Stake(c *gin.Context) {
	var req StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "itemId is required")
		return
	}
	if errs := validation.Check(validation.ItemID("itemId", req.ItemID)); errs != nil {
		validation.Abort(c, errs)
		return
	}
	rec, err := h.service.Stake(c.Request.Context(), caller(c), req.ItemID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stake": NewRecordView(rec)})
}

// Unstake handles POST /v1/stakes/:itemId/unstake
func (h *Handler) Unstake(c *gin.Context) {
	rec, err := h.service.Unstake(c.Request.Context(), caller(c), c.Param("itemId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": NewRecordView(rec)})
}

// Withdraw handles POST /v1/stakes/:itemId/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	w, err := h.service.Withdraw(c.Request.Context(), caller(c), c.Param("itemId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stake":         NewRecordView(w.Record),
		"carriedReward": w.CarriedReward.Dec(),
	})
}

// ClaimReward handles POST /v1/rewards/claim
func (h *Handler) ClaimReward(c *gin.Context) {
	claim, err := h.service.ClaimReward(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":     claim.Owner,
		"amount":    claim.Amount.Dec(),
		"carried":   claim.Carried.Dec(),
		"items":     claim.Items,
		"tick":      claim.Tick,
		"claimedAt": claim.ClaimedAt,
	})
}

// GetParameters handles GET /v1/parameters
func (h *Handler) GetParameters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"parameters": h.service.Parameters()})
}

// GetSnapshot handles GET /v1/ledger
func (h *Handler) GetSnapshot(c *gin.Context) {
	snap, err := h.service.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tick":        snap.Tick,
		"time":        snap.Time,
		"stats":       snap.Stats,
		"currentRate": snap.CurrentRate.Dec(),
		"paused":      snap.Paused,
	})
}

// ListRates handles GET /v1/rates
func (h *Handler) ListRates(c *gin.Context) {
	entries := h.service.Rates()
	views := make([]RateView, 0, len(entries))
	for _, e := range entries {
		views = append(views, NewRateView(e))
	}
	c.JSON(http.StatusOK, gin.H{"rates": views, "count": len(views)})
}

// GetRateAt handles GET /v1/rates/at/:tick
func (h *Handler) GetRateAt(c *gin.Context) {
	tick, err := strconv.ParseUint(c.Param("tick"), 10, 64)
	if err != nil {
		badRequest(c, "tick must be a non-negative integer")
		return
	}
	entry, err := h.service.RateAt(tick)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tick": tick, "rate": NewRateView(entry)})
}

// ListOwnerStakes handles GET /v1/owners/:address/stakes
func (h *Handler) ListOwnerStakes(c *gin.Context) {
	recs, err := h.service.ListRecords(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		views = append(views, NewRecordView(r))
	}
	c.JSON(http.StatusOK, gin.H{"stakes": views, "count": len(views)})
}

// GetStake handles GET /v1/owners/:address/stakes/:itemId
func (h *Handler) GetStake(c *gin.Context) {
	rec, err := h.service.GetRecord(c.Request.Context(), c.Param("address"), c.Param("itemId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": NewRecordView(rec)})
}

// PreviewRewards handles GET /v1/owners/:address/rewards
func (h *Handler) PreviewRewards(c *gin.Context) {
	p, err := h.service.PreviewRewards(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": NewPreviewView(p)})
}

// ListEvents handles GET /v1/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	page, err := h.service.EventsPage(c.Request.Context(), c.Query("owner"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	events := page.Events
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"count":      len(events),
		"nextCursor": page.Next,
		"hasMore":    page.HasMore,
	})
}

// UpdateRewardPerBlock handles POST /v1/admin/rate
func (h *Handler) UpdateRewardPerBlock(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "rate is required")
		return
	}
	rate, ok := validation.ParseUint256(req.Rate)
	if !ok {
		badRequest(c, "rate must be a non-negative integer")
		return
	}
	entry, err := h.service.UpdateRewardPerBlock(c.Request.Context(), caller(c), rate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rate": NewRateView(*entry)})
}

// AppendRate handles POST /v1/admin/rates
func (h *Handler) AppendRate(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.EffectiveFromTick == nil {
		badRequest(c, "rate and effectiveFromTick are required")
		return
	}
	rate, ok := validation.ParseUint256(req.Rate)
	if !ok {
		badRequest(c, "rate must be a non-negative integer")
		return
	}
	entry, err := h.service.AppendRate(c.Request.Context(), caller(c), *req.EffectiveFromTick, rate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rate": NewRateView(*entry)})
}

// UpdateUnbondingPeriod handles PUT /v1/admin/unbonding-period
func (h *Handler) UpdateUnbondingPeriod(c *gin.Context) {
	h.updatePeriod(c, h.service.UpdateUnbondingPeriod)
}

// UpdateRewardDelay handles PUT /v1/admin/reward-delay
func (h *Handler) UpdateRewardDelay(c *gin.Context) {
	h.updatePeriod(c, h.service.UpdateRewardDelay)
}

func (h *Handler) updatePeriod(c *gin.Context, update func(ctx context.Context, caller string, seconds uint64) (*Parameters, error)) {
	var req PeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "seconds is required")
		return
	}
	params, err := update(c.Request.Context(), caller(c), *req.Seconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

// Pause handles POST /v1/admin/pause
func (h *Handler) Pause(c *gin.Context) {
	params, err := h.service.Pause(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

// Unpause handles POST /v1/admin/unpause
func (h *Handler) Unpause(c *gin.Context) {
	params, err := h.service.Unpause(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

// TransferAdministration handles POST /v1/admin/administrator
func (h *Handler) TransferAdministration(c *gin.Context) {
	var req AdministratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "address is required")
		return
	}
	params, err := h.service.TransferAdministration(c.Request.Context(), caller(c), req.Address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}
