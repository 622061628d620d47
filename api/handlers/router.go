package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// Router groups the handlers served by the broker.
type Router struct {
	Analysis       *AnalysisHandler
	Sessions       *SessionHandler
	Health         *HealthHandler
	Agents         *AgentHandler
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Engine builds the gin engine with middleware and every route registered.
func (rt *Router) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if rt.Logger != nil {
		r.Use(RequestLogger(rt.Logger))
	}
	// Engine-level so preflight requests to any path are answered.
	r.Use(CORSMiddleware(rt.AllowedOrigins))

	rt.Health.RegisterRoutes(r)
	rt.Analysis.RegisterRoutes(r)
	rt.Sessions.RegisterRoutes(r.Group("/api"))
	if rt.Agents != nil {
		rt.Agents.RegisterRoutes(r)
	}
	return r
}
