package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/pkg/ip"
	"github.com/hookrelay/hookrelay/internal/pkg/logger"
)

// Logger emits one access log line per request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// Skip high-frequency probe paths.
		if path == "/health" {
			return
		}

		endTime := time.Now()
		latency := endTime.Sub(startTime)

		fields := []zap.Field{
			zap.String("component", "http.access"),
			zap.Int("status_code", c.Writer.Status()),
			zap.Int64("latency_ms", latency.Milliseconds()),
			zap.String("client_ip", ip.GetClientIP(c)),
			zap.String("protocol", c.Request.Proto),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}

		l := logger.FromContext(c.Request.Context()).With(fields...)
		l.Info("http request completed", zap.Time("completed_at", endTime))

		if len(c.Errors) > 0 {
			l.Warn("http request contains gin errors", zap.String("errors", c.Errors.String()))
		}
	}
}
