package trade

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/pagination"
	"github.com/mbd888/tradeescrow/internal/validation"
)

// contextKeyTrader is set by the signature auth middleware.
const contextKeyTrader = "authTraderAddr"

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
	events  EventStore
}

// NewHandler creates a new trade handler. events may be nil.
func NewHandler(service *Service, events EventStore) *Handler {
	return &Handler{service: service, events: events}
}

// RegisterRoutes sets up public (read-only) trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/history", h.GetHistory)
	r.GET("/trades/:id/events", h.ListEvents)
	r.GET("/traders/:address/trades", h.ListTrades)
}

// RegisterProtectedRoutes sets up signed trade routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.POST("/trades/:id/accept", h.AcceptRequest)
	r.POST("/trades/:id/fund", h.FundEscrow)
	r.POST("/trades/:id/fiat-sent", h.MarkFiatDeposited)
	r.POST("/trades/:id/release", h.ReleaseEscrow)
	r.POST("/trades/:id/cancel", h.CancelRequest)
	r.POST("/trades/:id/refund", h.RefundExpired)
	r.POST("/trades/:id/dispute", h.InitiateDispute)
	r.POST("/trades/:id/randomness", h.ReissueRandomness)
	r.POST("/trades/:id/fallback", h.OpenFallback)
	r.POST("/trades/:id/fallback/commit", h.CommitSeed)
	r.POST("/trades/:id/fallback/reveal", h.RevealSeed)
	r.POST("/trades/:id/fallback/finalize", h.FinalizeRound)
	r.POST("/trades/:id/settle", h.SettleDispute)
}

// RegisterOracleRoutes sets up the randomness callback. The caller guards
// the group.
func (h *Handler) RegisterOracleRoutes(r *gin.RouterGroup) {
	r.POST("/randomness/:requestId", h.ConsumeRandomness)
}

// RegisterAdminRoutes sets up maintenance routes. The caller guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/purge", h.Purge)
}

// respondError maps a service error to the JSON error body.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrTradingPaused):
		status, code = http.StatusServiceUnavailable, "paused"
	case errors.Is(err, ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrConcurrentUpdate):
		status, code = http.StatusConflict, "conflict"
	default:
		switch KindOf(err) {
		case KindNotFound:
			status, code = http.StatusNotFound, "not_found"
		case KindAuthorization:
			status, code = http.StatusForbidden, "unauthorized"
		case KindState:
			status, code = http.StatusConflict, "invalid_state"
		case KindArithmetic:
			status, code = http.StatusBadRequest, "invalid_amount"
		case KindResource:
			status, code = http.StatusConflict, "limit_exceeded"
		case KindOracle:
			status, code = http.StatusBadGateway, "oracle_error"
		case KindNone, KindInternal:
		}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func authTrader(c *gin.Context) string {
	return c.GetString(contextKeyTrader)
}

func respondTrade(c *gin.Context, status int, t *Trade, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	respondTrade(c, http.StatusOK, t, err)
}

// GetHistory handles GET /v1/trades/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	entries := t.History.Entries()
	if actor := c.Query("actor"); actor != "" {
		entries = t.History.ByActor(normalize(actor))
	} else if state := c.Query("state"); state != "" {
		entries = t.History.ByState(State(state))
	}
	c.JSON(http.StatusOK, gin.H{
		"history":  entries,
		"count":    len(entries),
		"capacity": t.History.Cap(),
	})
}

// ListEvents handles GET /v1/trades/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []Event{}, "count": 0})
		return
	}
	after, ok := queryCursor(c)
	if !ok {
		return
	}
	if after != nil {
		if _, err := strconv.ParseInt(after.ID, 10, 64); err != nil {
			badRequest(c, "Invalid cursor")
			return
		}
	}
	limit := queryLimit(c, 100, 1000)
	evs, err := h.events.ListByTrade(c.Request.Context(), c.Param("id"), limit+1, WithCursor(after))
	if err != nil {
		respondError(c, err)
		return
	}
	evs, next := pagination.Page(evs, limit, EventCursor)
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs), "nextCursor": next, "hasMore": next != ""})
}

// ListTrades handles GET /v1/traders/:address/trades
func (h *Handler) ListTrades(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		badRequest(c, "Invalid address")
		return
	}
	after, ok := queryCursor(c)
	if !ok {
		return
	}
	limit := queryLimit(c, 50, 200)
	trades, err := h.service.ListByParty(c.Request.Context(), address, limit+1, WithCursor(after))
	if err != nil {
		respondError(c, err)
		return
	}
	trades, next := pagination.Page(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"trades":     trades,
		"count":      len(trades),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// queryCursor decodes the cursor query parameter, answering 400 when it is
// malformed.
func queryCursor(c *gin.Context) (*pagination.Cursor, bool) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor")
		return nil, false
	}
	return after, true
}

func queryLimit(c *gin.Context, def, maxLimit int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}
	return limit
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	req.Contact = validation.SanitizeString(req.Contact, validation.MaxStringLength)
	t, err := h.service.CreateTrade(c.Request.Context(), authTrader(c), req)
	respondTrade(c, http.StatusCreated, t, err)
}

type contactBody struct {
	Contact string `json:"contact"`
}

// AcceptRequest handles POST /v1/trades/:id/accept
func (h *Handler) AcceptRequest(c *gin.Context) {
	var body contactBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	contact := validation.SanitizeString(body.Contact, validation.MaxStringLength)
	t, err := h.service.AcceptRequest(c.Request.Context(), c.Param("id"), authTrader(c), contact)
	respondTrade(c, http.StatusOK, t, err)
}

type fundBody struct {
	Amount uint64 `json:"amount,string" binding:"required"`
}

// FundEscrow handles POST /v1/trades/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var body fundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	t, err := h.service.FundEscrow(c.Request.Context(), c.Param("id"), authTrader(c), body.Amount)
	respondTrade(c, http.StatusOK, t, err)
}

// MarkFiatDeposited handles POST /v1/trades/:id/fiat-sent
func (h *Handler) MarkFiatDeposited(c *gin.Context) {
	t, err := h.service.MarkFiatDeposited(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

// ReleaseEscrow handles POST /v1/trades/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	t, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

// CancelRequest handles POST /v1/trades/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	t, err := h.service.CancelRequest(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

// RefundExpired handles POST /v1/trades/:id/refund
func (h *Handler) RefundExpired(c *gin.Context) {
	t, err := h.service.RefundExpired(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

// InitiateDispute handles POST /v1/trades/:id/dispute
func (h *Handler) InitiateDispute(c *gin.Context) {
	var req DisputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	req.BuyerContact = validation.SanitizeString(req.BuyerContact, validation.MaxStringLength)
	req.SellerContact = validation.SanitizeString(req.SellerContact, validation.MaxStringLength)
	t, err := h.service.InitiateDispute(c.Request.Context(), c.Param("id"), authTrader(c), req)
	respondTrade(c, http.StatusOK, t, err)
}

// ReissueRandomness handles POST /v1/trades/:id/randomness
func (h *Handler) ReissueRandomness(c *gin.Context) {
	t, err := h.service.ReissueRandomness(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

// OpenFallback handles POST /v1/trades/:id/fallback
func (h *Handler) OpenFallback(c *gin.Context) {
	t, err := h.service.OpenFallback(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

type commitBody struct {
	Commitment string `json:"commitment" binding:"required"`
}

// CommitSeed handles POST /v1/trades/:id/fallback/commit
func (h *Handler) CommitSeed(c *gin.Context) {
	var body commitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	commitment, ok := parseHash(body.Commitment)
	if !ok {
		badRequest(c, "commitment must be a 32-byte hex string")
		return
	}
	t, err := h.service.CommitSeed(c.Request.Context(), c.Param("id"), authTrader(c), commitment)
	respondTrade(c, http.StatusOK, t, err)
}

type revealBody struct {
	Seed string `json:"seed" binding:"required"`
	Salt string `json:"salt" binding:"required"`
}

// RevealSeed handles POST /v1/trades/:id/fallback/reveal
func (h *Handler) RevealSeed(c *gin.Context) {
	var body revealBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	seed, ok1 := parseHash(body.Seed)
	salt, ok2 := parseHash(body.Salt)
	if !ok1 || !ok2 {
		badRequest(c, "seed and salt must be 32-byte hex strings")
		return
	}
	t, err := h.service.RevealSeed(c.Request.Context(), c.Param("id"), authTrader(c), seed, salt)
	respondTrade(c, http.StatusOK, t, err)
}

func parseHash(s string) (common.Hash, bool) {
	if !validation.IsValidHex(s) {
		return common.Hash{}, false
	}
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// FinalizeRound handles POST /v1/trades/:id/fallback/finalize
func (h *Handler) FinalizeRound(c *gin.Context) {
	t, err := h.service.FinalizeRound(c.Request.Context(), c.Param("id"), authTrader(c))
	respondTrade(c, http.StatusOK, t, err)
}

type settleBody struct {
	Winner string `json:"winner" binding:"required"`
}

// SettleDispute handles POST /v1/trades/:id/settle
func (h *Handler) SettleDispute(c *gin.Context) {
	var body settleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if !validation.IsValidEthAddress(body.Winner) {
		badRequest(c, "winner must be an address")
		return
	}
	t, err := h.service.SettleDispute(c.Request.Context(), c.Param("id"), authTrader(c), body.Winner)
	respondTrade(c, http.StatusOK, t, err)
}

type randomnessBody struct {
	Value string `json:"value" binding:"required"`
}

// ConsumeRandomness handles POST /v1/oracle/randomness/:requestId
func (h *Handler) ConsumeRandomness(c *gin.Context) {
	var body randomnessBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	value, err := arbitration.ParseRandomness(body.Value)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := h.service.ConsumeRandomness(c.Request.Context(), c.Param("requestId"), value)
	respondTrade(c, http.StatusOK, t, err)
}

// Purge handles POST /v1/admin/trades/:id/purge
func (h *Handler) Purge(c *gin.Context) {
	if err := h.service.Purge(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": c.Param("id")})
}
