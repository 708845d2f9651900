// Package handlers implements the HTTP endpoints: channel webhooks, the
// CRM callback surface, the embeddable widget API, and the operator admin
// API.
//
// This file holds the shared response helpers. Errors use a stable JSON
// envelope so operator UIs and widget code can branch on `code` without
// parsing messages:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "conversation not found"
//	}
//
// Webhook endpoints deliberately do not use this envelope; platforms
// expect their own acknowledgment formats (see webhook_handler.go).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by the widget and admin
// APIs. RequestID echoes the X-Request-ID response header so a client
// error can be matched to server logs. Code is one of the errors.go
// constants; Message is safe to show to end users.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"not_found"`
	Message   string `json:"message" example:"conversation not found"`
}

// fail aborts the request with a structured error. Server-side failures
// (5xx) are additionally logged through the request-scoped logger; 4xx are
// client mistakes and left to the access log.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail for use outside this package, e.g.
// the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a JSON success response with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes 204 for operations with nothing to return, such as
// conversation status transitions.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
