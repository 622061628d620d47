// Package handlers provides HTTP API request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"
)

// Error codes used in API error envelopes besides the dispatch failure codes.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionInProgress = "SESSION_IN_PROGRESS"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	sendErrorDetails(c, statusCode, code, message, nil)
}

func sendErrorDetails(c *gin.Context, statusCode int, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
