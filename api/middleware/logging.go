package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/compliance-processor/api/handlers"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates or assigns a request id and stores it, with the
// caller's owner id, on the request context for logger.FromContext.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		ctx := logger.ContextWithRequestID(c.Request.Context(), id)
		if owner := c.GetHeader(handlers.OwnerHeader); owner != "" {
			ctx = logger.ContextWithOwner(ctx, owner)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.String("errors", c.Errors.String()))
		}
		l := logger.FromContext(c.Request.Context(), log)
		switch status := c.Writer.Status(); {
		case status >= 500:
			l.Error("Request completed", fields...)
		case status >= 400:
			l.Warn("Request completed", fields...)
		default:
			l.Info("Request completed", fields...)
		}
	}
}
