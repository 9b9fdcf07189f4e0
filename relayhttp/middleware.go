package relayhttp

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the server-assigned request id back to the caller.
const RequestIDHeader = "X-Request-Id"

const requestIDKey = "relayRequestID"

// NewRequestID returns a fresh request identifier: "req_" followed by a
// UUID v4 with the hyphens stripped.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// RequestID assigns every request an identifier, echoes it in the
// X-Request-Id response header and stores it on the gin context for handlers
// and log lines.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := NewRequestID()
		c.Set(requestIDKey, rid)
		c.Header(RequestIDHeader, rid)
		c.Next()
	}
}

// requestID reads the identifier RequestID stored, or "" when the middleware
// is not mounted.
func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}

// RequestLogging emits one structured line per request after the handler
// chain completes.
func RequestLogging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request completed",
			zap.String("request_id", requestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
