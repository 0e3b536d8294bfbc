package middleware

import (
	"context"
	"strings"

	"wasmshim/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader = "X-Trace-Id"

	traceIDContextKey = "trace_id"
)

// TraceContextMiddleware ensures a trace id is in the request context and the
// response headers, and propagates task/exec route params into the context so
// log lines carry them.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader(traceIDHeader))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(traceIDContextKey, traceID)
		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		c.Writer.Header().Set(traceIDHeader, traceID)

		if taskID := c.Param("id"); taskID != "" {
			ctx = context.WithValue(ctx, contextkey.TaskID, taskID)
		}
		if execID := c.Query("exec_id"); execID != "" {
			ctx = context.WithValue(ctx, contextkey.ExecID, execID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
