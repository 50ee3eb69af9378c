package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// requestID echoes the caller's request id or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// accessLog logs each request and records it in the HTTP collectors under
// its route template, so ids do not explode label cardinality.
func accessLog(log *zap.Logger, col *observability.Collectors) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		col.HTTPRequest(c.Request.Method, route, status, took)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", took),
			zap.String("request_id", c.GetString("request_id")),
		}
		if status >= 500 {
			log.Error("request failed", append(fields, zap.Strings("errors", c.Errors.Errors()))...)
			return
		}
		log.Debug("request", fields...)
	}
}
