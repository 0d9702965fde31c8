package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeescrow/internal/auth"
	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// MaxSubscriptionsPerTrader caps how many endpoints one trader may register.
const MaxSubscriptionsPerTrader = 5

// Handler provides signed routes for managing a trader's own webhooks.
type Handler struct {
	store       Store
	validateURL func(string) error
	now         func() time.Time
}

// NewHandler creates a webhook handler. validateURL checks registered
// targets.
func NewHandler(store Store, validateURL func(string) error) *Handler {
	return &Handler{store: store, validateURL: validateURL, now: time.Now}
}

// RegisterProtectedRoutes sets up webhook routes. The caller requires a
// signed trader.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

type createRequest struct {
	URL   string   `json:"url" binding:"required"`
	Kinds []string `json:"kinds"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	trader := auth.GetAuthenticatedTrader(c)

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		badRequest(c, "url: "+err.Error())
		return
	}
	kinds := make([]trade.EventKind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kind := trade.EventKind(k)
		if !kind.Valid() {
			badRequest(c, "unknown event kind "+k)
			return
		}
		kinds = append(kinds, kind)
	}

	existing, err := h.store.ListByTrader(c.Request.Context(), trader)
	if err != nil {
		internalError(c)
		return
	}
	if len(existing) >= MaxSubscriptionsPerTrader {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_exceeded",
			"message": "Too many webhooks registered",
		})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		internalError(c)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Trader:    trader,
		URL:       req.URL,
		Secret:    secret,
		Kinds:     kinds,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		internalError(c)
		return
	}

	// The secret is only ever returned here.
	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByTrader(c.Request.Context(), auth.GetAuthenticatedTrader(c))
	if err != nil {
		internalError(c)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	// Other traders' webhooks look missing.
	if errors.Is(err, ErrNotFound) || (err == nil && sub.Trader != auth.GetAuthenticatedTrader(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		internalError(c)
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
