package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aware-engine/backend/internal/model"
	"github.com/aware-engine/backend/internal/report"
)

// maxListLimit caps ?limit= on the session list.
const maxListLimit = 500

// SessionReader reads and evicts live sessions.
type SessionReader interface {
	Get(id string) (*model.Session, error)
	Evict(id string) error
}

// SessionArchive reads archived sessions.
type SessionArchive interface {
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, limit int) ([]model.SessionSummary, error)
	Delete(ctx context.Context, id string) error
}

// SessionHandler serves session history and reports.
type SessionHandler struct {
	live    SessionReader
	archive SessionArchive
	reports *report.Renderer
}

// NewSessionHandler creates a new SessionHandler. archive may be nil.
func NewSessionHandler(live SessionReader, archive SessionArchive, reports *report.Renderer) *SessionHandler {
	if reports == nil {
		reports = report.Default()
	}
	return &SessionHandler{
		live:    live,
		archive: archive,
		reports: reports,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	*model.Session
	Duration string `json:"duration"`
}

func toSessionResponse(s *model.Session) *SessionResponse {
	end := s.UpdatedAt
	if end.IsZero() {
		end = time.Now()
	}
	return &SessionResponse{
		Session:  s,
		Duration: formatDuration(end.Sub(s.CreatedAt)),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// lookup finds a session in memory first, then in the archive.
func (h *SessionHandler) lookup(ctx context.Context, id string) (*model.Session, error) {
	s, err := h.live.Get(id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, model.ErrSessionNotFound) || h.archive == nil {
		return nil, err
	}
	return h.archive.GetByID(ctx, id)
}

func (h *SessionHandler) sessionOr404(c *gin.Context) (*model.Session, bool) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, CodeValidation, "Session ID is required")
		return nil, false
	}

	s, err := h.lookup(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, CodeSessionNotFound, "Session "+sessionID+" not found")
			return nil, false
		}
		sendError(c, http.StatusInternalServerError, CodeInternal, "Failed to get session: "+err.Error())
		return nil, false
	}
	return s, true
}

// List handles GET /api/sessions - lists archived sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, CodeValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	if h.archive == nil {
		c.JSON(http.StatusOK, []model.SessionSummary{})
		return
	}
	sessions, err := h.archive.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, CodeInternal, "Failed to list sessions: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	s, ok := h.sessionOr404(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// Report handles GET /api/sessions/:id/report - renders the session as an
// HTML page, or as Markdown with ?format=md.
func (h *SessionHandler) Report(c *gin.Context) {
	s, ok := h.sessionOr404(c)
	if !ok {
		return
	}

	if c.Query("format") == "md" {
		c.Header("Content-Disposition", "inline; filename="+s.ID+".md")
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report.Markdown(s)))
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := h.reports.HTML(c.Writer, s); err != nil {
		c.Error(err)
	}
}

// Delete handles DELETE /api/sessions/:id - removes a session from memory
// and from the archive. Sessions a request is still working on are kept and
// answered with 409.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, CodeValidation, "Session ID is required")
		return
	}

	err := h.live.Evict(sessionID)
	if errors.Is(err, model.ErrSessionInProgress) {
		sendError(c, http.StatusConflict, CodeSessionInProgress, "Session "+sessionID+" is still in progress")
		return
	}
	evicted := err == nil
	archived := false
	if h.archive != nil {
		err := h.archive.Delete(c.Request.Context(), sessionID)
		switch {
		case err == nil:
			archived = true
		case !errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusInternalServerError, CodeInternal, "Failed to delete session: "+err.Error())
			return
		}
	}

	if !evicted && !archived {
		sendError(c, http.StatusNotFound, CodeSessionNotFound, "Session "+sessionID+" not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.GET("/:id/report", h.Report)
		sessions.DELETE("/:id", h.Delete)
	}
}
