package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aware-engine/backend/internal/dispatch"
	"github.com/aware-engine/backend/internal/model"
)

// Dispatcher runs analysis requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *model.AnalysisRequest) (*dispatch.Response, error)
	WaitMode() dispatch.WaitMode
}

// ReplyRecorder accepts source replies delivered over HTTP.
type ReplyRecorder interface {
	RecordReply(id string, filePath, content *string) (bool, error)
}

// AnalysisHandler serves the browser-facing analysis endpoints and the HTTP
// fallback for agent replies.
type AnalysisHandler struct {
	dispatcher Dispatcher
	replies    ReplyRecorder
}

// NewAnalysisHandler creates a new AnalysisHandler.
func NewAnalysisHandler(dispatcher Dispatcher, replies ReplyRecorder) *AnalysisHandler {
	return &AnalysisHandler{
		dispatcher: dispatcher,
		replies:    replies,
	}
}

// SuggestFixesResponse is the body of a successful POST /suggest-fixes.
type SuggestFixesResponse struct {
	Suggestions   []model.Suggestion `json:"suggestions"`
	SessionID     string             `json:"sessionId"`
	Error         string             `json:"error,omitempty"`
	SourceFailure string             `json:"sourceFailure,omitempty"`
}

// SourceCodeRequest is the body of POST /source-code.
type SourceCodeRequest struct {
	SessionID string  `json:"sessionId" binding:"required"`
	FilePath  *string `json:"filePath"`
	Content   *string `json:"content"`
}

// SourceCodeResponse reports whether a reply decided its session.
type SourceCodeResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// dispatchFailures maps dispatch errors to HTTP status and message.
var dispatchFailures = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{model.ErrNoAgentAvailable, http.StatusServiceUnavailable, model.FailureNoAgent, "No editor agent is connected to supply source code"},
	{model.ErrSelectionCancelled, http.StatusBadRequest, model.FailureSelectionCancelled, "Source file selection was cancelled in the editor"},
	{model.ErrSourceTimeout, http.StatusRequestTimeout, model.FailureSourceTimeout, "No editor agent supplied source code in time"},
}

// SuggestFixes handles POST /suggest-fixes.
func (h *AnalysisHandler) SuggestFixes(c *gin.Context) {
	var req model.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.dispatcher.Dispatch(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, model.ErrViolationsRequired) {
			sendError(c, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}

		var details map[string]interface{}
		var serr *dispatch.SessionError
		if errors.As(err, &serr) {
			details = map[string]interface{}{"sessionId": serr.SessionID}
		}
		for _, f := range dispatchFailures {
			if errors.Is(err, f.err) {
				sendErrorDetails(c, f.status, f.code, f.message, details)
				return
			}
		}
		sendErrorDetails(c, http.StatusInternalServerError, CodeInternal, "Failed to analyze violations: "+err.Error(), details)
		return
	}

	c.JSON(http.StatusOK, SuggestFixesResponse{
		Suggestions:   resp.Result.Suggestions,
		SessionID:     resp.SessionID,
		Error:         resp.Result.Error,
		SourceFailure: resp.SourceFailure,
	})
}

// SourceCode handles POST /source-code.
func (h *AnalysisHandler) SourceCode(c *gin.Context) {
	var req SourceCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	accepted, err := h.replies.RecordReply(req.SessionID, req.FilePath, req.Content)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, CodeSessionNotFound, "Session "+req.SessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, CodeInternal, "Failed to record source: "+err.Error())
		return
	}

	status := "received"
	if !accepted {
		status = "ignored"
	}
	c.JSON(http.StatusOK, SourceCodeResponse{Status: status, SessionID: req.SessionID})
}

// RegisterRoutes registers the analysis routes.
func (h *AnalysisHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/suggest-fixes", h.SuggestFixes)
	r.POST("/source-code", h.SourceCode)
}
