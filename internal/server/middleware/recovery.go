package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/pkg/logger"
	"github.com/hookrelay/hookrelay/internal/pkg/response"
)

// Recovery turns handler panics into 500 envelopes instead of dropped
// connections.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.FromContext(c.Request.Context()).Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"),
				)
				response.InternalError(c, "An unexpected error occurred")
			}
		}()
		c.Next()
	}
}
