package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reconciliation.
type Handler struct {
	timer *Timer
}

// NewHandler creates a new reconciliation handler
func NewHandler(timer *Timer) *Handler {
	return &Handler{timer: timer}
}

// RegisterAdminRoutes sets up reconciliation routes. The caller guards the
// group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetLast)
	r.POST("/reconciliation", h.Run)
}

// GetLast handles GET /v1/admin/reconciliation
func (h *Handler) GetLast(c *gin.Context) {
	res := h.timer.Last()
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "match": res.Match()})
}

// Run handles POST /v1/admin/reconciliation
func (h *Handler) Run(c *gin.Context) {
	res, err := h.timer.service.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	h.timer.last.Store(res)
	c.JSON(http.StatusOK, gin.H{"result": res, "match": res.Match()})
}
