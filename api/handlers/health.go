package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aware-engine/backend/internal/session"
)

// StatsSource reports live session counts.
type StatsSource interface {
	Stats() session.Stats
}

// ConnectionCounter reports connected agents.
type ConnectionCounter interface {
	Count() int
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	ActiveSessions   int    `json:"activeSessions"`
	AwaitingSessions int    `json:"awaitingSessions"`
	ConnectionCount  int    `json:"connectionCount"`
	WaitMode         string `json:"waitMode"`
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	sessions    StatsSource
	connections ConnectionCounter
	waitMode    string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(sessions StatsSource, connections ConnectionCounter, waitMode string) *HealthHandler {
	return &HealthHandler{
		sessions:    sessions,
		connections: connections,
		waitMode:    waitMode,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.sessions.Stats()
	c.JSON(http.StatusOK, HealthResponse{
		Status:           "ok",
		ActiveSessions:   stats.Total,
		AwaitingSessions: stats.Awaiting,
		ConnectionCount:  h.connections.Count(),
		WaitMode:         h.waitMode,
	})
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
