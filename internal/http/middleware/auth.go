package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// userIDKey is the context key holding the authenticated operator id.
const userIDKey = "userID"

// RequireUserID guards the admin surface. Every request must identify the
// operator through the X-User-ID header; the upstream gateway is expected
// to have validated the session and attached it. Requests without the
// header are rejected:
//
//	HTTP/1.1 401 Unauthorized
//	{
//	  "request_id": "<uuid>",
//	  "code":       "unauthorized",
//	  "message":    "X-User-ID header is required"
//	}
func RequireUserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "unauthorized",
				"message":    "X-User-ID header is required",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserIDFrom returns the operator id stored by RequireUserID, or "" when
// the route is not guarded.
func UserIDFrom(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
