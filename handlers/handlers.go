// Package handlers is the JSON boundary over the copy-trading engine:
// leader management, fill/intent/position/attempt inspection, and the
// paper-state controls.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/middleware"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
	"github.com/vicente-simoes/polymarket-copybot-sub000/syncer"
)

// Handler handles HTTP requests
type Handler struct {
	store   storage.Store
	exec    syncer.ExecutionAdapter
	books   *api.BookCache
	metrics *syncer.Metrics
	cfg     func() *config.Config
}

// NewHandler creates a new handler
func NewHandler(store storage.Store, exec syncer.ExecutionAdapter, books *api.BookCache,
	metrics *syncer.Metrics, cfg func() *config.Config) *Handler {
	return &Handler{
		store:   store,
		exec:    exec,
		books:   books,
		metrics: metrics,
		cfg:     cfg,
	}
}

func parseLimit(c *gin.Context, def int) int {
	limit := def
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	return limit
}

func wallet(c *gin.Context) string {
	if v, ok := c.Get("validatedWallet"); ok {
		return v.(string)
	}
	return strings.ToLower(strings.TrimSpace(c.Param("wallet")))
}

// --- Leaders ---

// ListLeaders returns all tracked leaders.
func (h *Handler) ListLeaders(c *gin.Context) {
	enabledOnly := strings.EqualFold(c.Query("enabled"), "true") || c.Query("enabled") == "1"

	leaders, err := h.store.ListLeaders(c.Request.Context(), enabledOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"leaders": leaders,
		"count":   len(leaders),
	})
}

// CreateLeaderRequest is the payload for tracking a new leader.
type CreateLeaderRequest struct {
	Wallet    string                 `json:"wallet"`
	Name      string                 `json:"name"`
	Enabled   *bool                  `json:"enabled"`
	Overrides models.LeaderOverrides `json:"overrides"`
}

// CreateLeader starts tracking a leader wallet.
func (h *Handler) CreateLeader(c *gin.Context) {
	var req CreateLeaderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	addr := strings.ToLower(strings.TrimSpace(req.Wallet))
	if !middleware.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address"})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	leader, err := h.store.CreateLeader(c.Request.Context(), models.Leader{
		Wallet:    addr,
		Name:      req.Name,
		Enabled:   enabled,
		Overrides: req.Overrides,
	})
	if err != nil {
		if strings.Contains(err.Error(), "exists") || strings.Contains(err.Error(), "duplicate") {
			c.JSON(http.StatusConflict, gin.H{"error": "leader already tracked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create leader"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"leader": leader})
}

// UpdateLeaderRequest carries the mutable leader fields.
type UpdateLeaderRequest struct {
	Name      *string                 `json:"name"`
	Enabled   *bool                   `json:"enabled"`
	Overrides *models.LeaderOverrides `json:"overrides"`
}

// UpdateLeader changes a leader's name, enabled flag, or guardrail overrides.
func (h *Handler) UpdateLeader(c *gin.Context) {
	addr := wallet(c)

	leader, err := h.store.GetLeader(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leader"})
		return
	}
	if leader == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "leader not found"})
		return
	}

	var req UpdateLeaderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if req.Name != nil {
		leader.Name = *req.Name
	}
	if req.Enabled != nil {
		leader.Enabled = *req.Enabled
	}
	if req.Overrides != nil {
		leader.Overrides = *req.Overrides
	}

	if err := h.store.UpdateLeader(c.Request.Context(), *leader); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update leader"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"leader": leader})
}

// DeleteLeader stops tracking a leader. Stored fills survive for audit.
func (h *Handler) DeleteLeader(c *gin.Context) {
	addr := wallet(c)

	if err := h.store.DeleteLeader(c.Request.Context(), addr); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete leader"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Leader deleted successfully",
	})
}

// GetLeaderFills returns a leader's detected fills, newest first.
func (h *Handler) GetLeaderFills(c *gin.Context) {
	addr := wallet(c)

	fills, err := h.store.ListFills(c.Request.Context(), addr, parseLimit(c, 200))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load fills"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"fills": fills,
		"count": len(fills),
	})
}

// --- Paper trading state ---

// ListIntents returns recent decisions, newest first.
func (h *Handler) ListIntents(c *gin.Context) {
	intents, err := h.store.ListIntents(c.Request.Context(), parseLimit(c, 200))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load intents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intents": intents,
		"count":   len(intents),
	})
}

// markedPosition is a paper position annotated with its current mark.
type markedPosition struct {
	models.PaperPosition
	MarkPrice     float64 `json:"mark_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// ListPositions returns the open paper positions marked to the current best
// bid. Books for all open tokens come back in one batched CLOB request;
// positions without a quotable book carry a zero mark.
func (h *Handler) ListPositions(c *gin.Context) {
	ctx := c.Request.Context()
	positions, err := h.store.ListOpenPaperPositions(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}

	var tokens []string
	for _, pos := range positions {
		if pos.TokenID != "" {
			tokens = append(tokens, pos.TokenID)
		}
	}
	if h.books != nil && len(tokens) > 0 {
		// Best effort; unmarked positions still list with their basis.
		_ = h.books.Refresh(ctx, tokens)
	}

	marked := make([]markedPosition, 0, len(positions))
	var totalBasis, totalValue float64
	for _, pos := range positions {
		mp := markedPosition{PaperPosition: pos}
		if h.books != nil && pos.TokenID != "" {
			if book, err := h.books.GetBook(ctx, pos.TokenID, ""); err == nil && book != nil {
				if bid, ok := book.BestBid(); ok {
					mp.MarkPrice = bid
					mp.MarketValue = bid * pos.Shares
					mp.UnrealizedPnl = mp.MarketValue - pos.CostBasisUsdc
				}
			}
		}
		totalBasis += pos.CostBasisUsdc
		totalValue += mp.MarketValue
		marked = append(marked, mp)
	}

	c.JSON(http.StatusOK, gin.H{
		"positions":          marked,
		"count":              len(marked),
		"total_cost_basis":   totalBasis,
		"total_market_value": totalValue,
	})
}

// ListAttempts returns recent execution attempts.
func (h *Handler) ListAttempts(c *gin.Context) {
	attempts, err := h.store.ListAttempts(c.Request.Context(), parseLimit(c, 200))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load attempts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// GetAttempt returns one attempt with its per-level fills.
func (h *Handler) GetAttempt(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attempt ID required"})
		return
	}

	attempt, err := h.store.GetAttempt(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load attempt"})
		return
	}
	if attempt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
		return
	}

	fills, err := h.store.ListExecutionFills(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load fills"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempt": attempt,
		"fills":   fills,
	})
}

// CancelAttempt cancels an attempt's unfilled remainder ahead of its TTL.
func (h *Handler) CancelAttempt(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attempt ID required"})
		return
	}

	if err := h.exec.Cancel(c.Request.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel attempt"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListResolutions returns realized-P&L records, optionally for one market.
func (h *Handler) ListResolutions(c *gin.Context) {
	conditionID := c.Query("condition_id")

	records, err := h.store.ListResolutions(c.Request.Context(), conditionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load resolutions"})
		return
	}

	var realized float64
	for _, rec := range records {
		realized += rec.RealizedPnl
	}

	c.JSON(http.StatusOK, gin.H{
		"resolutions":    records,
		"count":          len(records),
		"realized_total": realized,
	})
}

// GetLatency returns both sources' detection times for one trade.
func (h *Handler) GetLatency(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dedupe key required"})
		return
	}

	events, err := h.store.ListLatencyEvents(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load latency events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ResetPaperState wipes every simulated artifact while keeping leaders,
// fills, and cursors.
func (h *Handler) ResetPaperState(c *gin.Context) {
	if err := h.store.ResetPaperState(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Paper state reset",
	})
}

// --- Observability ---

// GetMetrics returns the pipeline counters.
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// GetSettings returns the active configuration's tunable sections.
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.cfg()
	c.JSON(http.StatusOK, gin.H{
		"ingestion":  cfg.Ingestion,
		"guardrails": cfg.Guardrails,
		"execution":  cfg.Execution,
		"settlement": cfg.Settlement,
	})
}

// Health is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api", middleware.BasicAuth(), middleware.ValidateQueryParams())
	{
		api.GET("/leaders", h.ListLeaders)
		api.POST("/leaders", h.CreateLeader)
		api.PUT("/leaders/:wallet", middleware.ValidateWallet(), h.UpdateLeader)
		api.DELETE("/leaders/:wallet", middleware.ValidateWallet(), h.DeleteLeader)
		api.GET("/leaders/:wallet/fills", middleware.ValidateWallet(), h.GetLeaderFills)

		api.GET("/intents", h.ListIntents)
		api.GET("/positions", h.ListPositions)
		api.GET("/attempts", h.ListAttempts)
		api.GET("/attempts/:id", h.GetAttempt)
		api.POST("/attempts/:id/cancel", h.CancelAttempt)
		api.GET("/resolutions", h.ListResolutions)
		api.GET("/latency/:key", h.GetLatency)

		api.GET("/metrics", h.GetMetrics)
		api.GET("/settings", h.GetSettings)
		api.POST("/paper/reset", h.ResetPaperState)
	}
}
