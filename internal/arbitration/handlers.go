package arbitration

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for arbitrator pools.
type Handler struct {
	service *Service
}

// NewHandler creates a new arbitration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) pool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbitrators/:currency", h.ListPool)
	r.GET("/arbitrators/:currency/:address", h.GetArbitrator)
}

// RegisterAdminRoutes sets up pool administration routes. The caller guards
// the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/arbitrators", h.RegisterArbitrator)
	r.POST("/arbitrators/:currency/:address/deactivate", h.DeactivateArbitrator)
}

// ListPool handles GET /v1/arbitrators/:currency
func (h *Handler) ListPool(c *gin.Context) {
	pool, err := h.service.List(c.Request.Context(), c.Param("currency"))
	if err != nil {
		respondError(c, err)
		return
	}
	eligible := 0
	for _, a := range pool {
		if a.Eligible() {
			eligible++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"arbitrators": pool,
		"count":       len(pool),
		"eligible":    eligible,
	})
}

// GetArbitrator handles GET /v1/arbitrators/:currency/:address
func (h *Handler) GetArbitrator(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("currency"), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": a})
}

// RegisterArbitrator handles POST /v1/admin/arbitrators
func (h *Handler) RegisterArbitrator(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitrator": a})
}

// DeactivateArbitrator handles POST /v1/admin/arbitrators/:currency/:address/deactivate
func (h *Handler) DeactivateArbitrator(c *gin.Context) {
	a, err := h.service.Deactivate(c.Request.Context(), c.Param("currency"), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": a})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrArbitratorNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Arbitrator not found"})
	case errors.Is(err, ErrInvalidArbitrator):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrPoolFull):
		c.JSON(http.StatusConflict, gin.H{"error": "pool_full", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
