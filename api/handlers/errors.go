// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details. Code is the error kind.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendModelError maps a typed error onto the envelope.
func sendModelError(c *gin.Context, err error) {
	kind := model.KindOf(err)
	msg := err.Error()
	if kind == model.KindInternal {
		var typed *model.Error
		if !errors.As(err, &typed) {
			msg = "internal error"
		}
	}
	sendError(c, statusForKind(kind), string(kind), msg)
}

func statusForKind(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindInvalidProject, model.KindNotFound:
		return http.StatusNotFound
	case model.KindResourceExhausted:
		return http.StatusTooManyRequests
	case model.KindConnectionRejected:
		return http.StatusConflict
	case model.KindSpawn, model.KindConnection:
		return http.StatusServiceUnavailable
	case model.KindBindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
