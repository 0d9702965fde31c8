package extclient

import (
	"context"
	"maps"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// ConfigParams serves the protocol configuration loaded at startup. Only
// the pause switches change at runtime.
type ConfigParams struct {
	mu       sync.RWMutex
	params   trade.Params
	settings arbitration.Settings
}

// NewConfigParams creates a source from a startup snapshot.
func NewConfigParams(p trade.Params, s arbitration.Settings) *ConfigParams {
	p.PausedOps = maps.Clone(p.PausedOps)
	return &ConfigParams{params: p, settings: s}
}

// Params returns a copy of the current configuration.
func (c *ConfigParams) Params(context.Context) (trade.Params, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.params
	p.PausedOps = maps.Clone(c.params.PausedOps)
	return p, nil
}

// ArbitrationSettings returns the arbitrator pool settings.
func (c *ConfigParams) ArbitrationSettings(context.Context) (arbitration.Settings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings, nil
}

// SetPaused replaces the pause switches. A nil ops map keeps no per-operation
// pauses.
func (c *ConfigParams) SetPaused(all bool, ops map[string]bool) {
	c.mu.Lock()
	c.params.Paused = all
	c.params.PausedOps = maps.Clone(ops)
	c.mu.Unlock()
}

// RegisterAdminRoutes exposes the configuration and the pause switches. The
// caller guards the group.
func (c *ConfigParams) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/params", c.getParams)
	r.POST("/pause", c.setPause)
}

func (c *ConfigParams) getParams(ctx *gin.Context) {
	p, _ := c.Params(ctx.Request.Context())
	s, _ := c.ArbitrationSettings(ctx.Request.Context())
	ctx.JSON(http.StatusOK, gin.H{"params": p, "arbitration": s})
}

type pauseRequest struct {
	Paused bool            `json:"paused"`
	Ops    map[string]bool `json:"ops"`
}

func (c *ConfigParams) setPause(ctx *gin.Context) {
	var req pauseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	for op := range req.Ops {
		if !pausable[op] {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unknown operation: " + op})
			return
		}
	}
	c.SetPaused(req.Paused, req.Ops)
	p, _ := c.Params(ctx.Request.Context())
	ctx.JSON(http.StatusOK, gin.H{"paused": p.Paused, "ops": p.PausedOps})
}

// pausable lists the operations the pause switch applies to. Release,
// refund and settlement move funds back to their owners and always run.
var pausable = map[string]bool{
	trade.OpCreateTrade:     true,
	trade.OpAcceptRequest:   true,
	trade.OpFundEscrow:      true,
	trade.OpInitiateDispute: true,
}

var (
	_ trade.ParamsSource         = (*ConfigParams)(nil)
	_ arbitration.SettingsSource = (*ConfigParams)(nil)
)
