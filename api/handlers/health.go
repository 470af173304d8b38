package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
)

// HealthHandler reports service health and exposes metrics.
type HealthHandler struct {
	collector *metrics.Collector
	breakers  *circuit.Registry
	started   time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(collector *metrics.Collector, breakers *circuit.Registry) *HealthHandler {
	return &HealthHandler{collector: collector, breakers: breakers, started: time.Now()}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string             `json:"status"`
	Uptime   string             `json:"uptime"`
	Metrics  metrics.Snapshot   `json:"metrics"`
	Breakers []circuit.Snapshot `json:"breakers"`
}

// Health handles GET /health. Status is "degraded" while any breaker is open.
func (h *HealthHandler) Health(c *gin.Context) {
	breakers := h.breakers.Snapshots()
	if breakers == nil {
		breakers = []circuit.Snapshot{}
	}
	status := "ok"
	for _, b := range breakers {
		if b.State == circuit.StateOpen {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:   status,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Metrics:  h.collector.Snapshot(),
		Breakers: breakers,
	})
}

// RegisterRoutes registers /health and /metrics on the engine.
func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(h.collector.Handler()))
}
