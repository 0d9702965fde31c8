package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger balances.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:account/balances", h.GetBalances)
	r.GET("/accounts/:account/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.RecordDeposit)
}

// GetBalances handles GET /v1/accounts/:account/balances
func (h *Handler) GetBalances(c *gin.Context) {
	account := c.Param("account")
	if asset := c.Query("asset"); asset != "" {
		b, err := h.ledger.Balance(c.Request.Context(), account, asset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "balance_error",
				"message": "Failed to retrieve balance",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": b})
		return
	}

	balances, err := h.ledger.Balances(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balances",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balances": balances,
		"count":    len(balances),
	})
}

// GetHistory handles GET /v1/accounts/:account/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest records an external deposit (admin use).
type DepositRequest struct {
	Account   string `json:"account" binding:"required"`
	Asset     string `json:"asset" binding:"required"`
	Amount    uint64 `json:"amount,string" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /v1/admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), req.Reference, req.Account, req.Asset, req.Amount)
	switch {
	case err == nil:
	case errors.Is(err, ErrReferenceConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_deposit",
			"message": "Reference already used for a different deposit",
		})
		return
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTransfer):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	default:
		h.logger.Error("failed to record deposit", "account", req.Account, "reference", req.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"message": "Deposit credited to account balance",
	})
}
