package middleware

import (
	"context"
	"strings"

	"execbox/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"

	maxIDLength = 128
)

// TraceContextMiddleware puts trace and request ids in the request context,
// the gin context and the response headers. The request id also becomes the
// invocation id, so sandbox logs for one request share it.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerID(c, traceIDHeader)
		requestID := headerID(c, requestIDHeader)

		c.Set(traceIDContextKey, traceID)
		c.Set(requestIDContextKey, requestID)
		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		ctx = context.WithValue(ctx, contextkey.InvocationID, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// headerID returns the caller's id, or a new one when it is missing or not
// a short printable token.
func headerID(c *gin.Context, header string) string {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" || len(id) > maxIDLength {
		return uuid.NewString()
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return uuid.NewString()
		}
	}
	return id
}
