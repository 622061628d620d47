package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AgentHandler upgrades editor agents onto the duplex channel.
type AgentHandler struct {
	listener http.Handler
	path     string
}

// NewAgentHandler creates a new AgentHandler serving listener at path.
func NewAgentHandler(listener http.Handler, path string) *AgentHandler {
	return &AgentHandler{
		listener: listener,
		path:     path,
	}
}

// Connect handles the websocket upgrade for an agent.
func (h *AgentHandler) Connect(c *gin.Context) {
	h.listener.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the agent channel route.
func (h *AgentHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET(h.path, h.Connect)
}
