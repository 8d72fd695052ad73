package server

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/dispatch"
)

// requestLogging logs every request with its trace id, skipping the probe
// and metrics endpoints.
func requestLogging(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		traceID := dispatch.TraceID(c.Request.Context())

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("traceId", traceID),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIP", c.ClientIP()),
			zap.Int("bodySize", c.Writer.Size()),
		}

		switch {
		case status >= 500:
			logger.Error("request failed", fields...)
		case status >= 400:
			logger.Warn("request rejected", fields...)
		default:
			logger.Info("request handled", fields...)
		}
	}
}

// recovery converts panics into an envelope instead of a dropped connection.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				traceID := dispatch.TraceID(c.Request.Context())
				logger.Error("panic while handling request",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("traceId", traceID),
				)
				dispatch.WriteError(c.Writer, 500, dispatch.ErrorEnvelope{
					Code:      dispatch.CodeBackendError,
					Message:   "internal error",
					Retryable: false,
					TraceID:   traceID,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// adminAuth rejects admin calls that do not carry the configured token.
func adminAuth(adminToken string) gin.HandlerFunc {
	expected := []byte("Bearer " + adminToken)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			dispatch.WriteError(c.Writer, 401, dispatch.ErrorEnvelope{
				Code:      dispatch.CodeAuthentication,
				Message:   "authentication required",
				Retryable: false,
				TraceID:   dispatch.TraceID(c.Request.Context()),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
