package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/hookrelay/hookrelay/internal/pkg/response"
	"github.com/hookrelay/hookrelay/internal/service"
)

// RateLimit gates a route on the token bucket stored under key. A depleted
// bucket yields 429 with a Retry-After header; limiter infrastructure
// failures surface as their own envelopes rather than letting traffic
// through.
func RateLimit(limiter *service.RateLimitService, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), key, 1)
		if err != nil {
			response.ErrorFrom(c, err)
			return
		}
		if !allowed {
			response.ErrorFrom(c, service.ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
