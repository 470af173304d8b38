package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/recording"
	"github.com/remote-agent-terminal/termmux/internal/repository"
	"github.com/remote-agent-terminal/termmux/internal/session"
	"github.com/remote-agent-terminal/termmux/internal/ws"
)

// Deps are the components served over HTTP. History and Recordings are
// optional.
type Deps struct {
	Sessions   *session.Manager
	Streams    *ws.Handler
	Breakers   *circuit.Registry
	Metrics    *metrics.Collector
	History    *repository.SessionRepository
	Recordings *recording.Recorder
	Logger     zerolog.Logger

	AllowedOrigins []string
	// RateLimitRPS of zero disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the HTTP API.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(d.Logger), RequestLogger(d.Logger), CORS(d.AllowedOrigins))

	NewHealthHandler(d.Metrics, d.Breakers).RegisterRoutes(r)

	api := r.Group("/api")
	if d.RateLimitRPS > 0 {
		api.Use(NewRateLimiter(d.RateLimitRPS, d.RateLimitBurst).Middleware())
	}
	{
		NewSessionHandler(d.Sessions, d.Recordings).RegisterRoutes(api)
		NewProjectHandler(d.Sessions, d.History).RegisterRoutes(api)
		NewWebSocketHandler(d.Streams, d.Logger).RegisterRoutes(api)
	}
	return r
}
