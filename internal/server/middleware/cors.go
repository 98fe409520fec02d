package middleware

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/hookrelay/hookrelay/internal/config"
)

var corsWarningOnce sync.Once

const (
	defaultAllowHeaders = "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, Idempotency-Key, X-Signature, X-Timestamp"
	defaultAllowMethods = "POST, OPTIONS, GET, PUT, DELETE, PATCH"
)

// CORS handles cross-origin requests for the configured origins. Wildcard
// origins disable credentialed requests.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	allowedOrigins := cfg.Origins
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowCredentials := cfg.AllowCredentials

	corsWarningOnce.Do(func() {
		if len(allowedOrigins) == 0 {
			log.Println("Warning: CORS allowed_origins not configured; cross-origin requests will be rejected.")
		}
		if allowAll && allowCredentials {
			log.Println("Warning: CORS allowed_origins set to '*', disabling allow_credentials.")
		}
	})
	if allowAll && allowCredentials {
		allowCredentials = false
	}

	allowedSet := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "" || origin == "*" {
			continue
		}
		allowedSet[origin] = struct{}{}
	}

	allowHeaders := defaultAllowHeaders
	if len(cfg.Headers) > 0 && cfg.Headers[0] != "*" {
		allowHeaders = strings.Join(cfg.Headers, ", ")
	}
	allowMethods := defaultAllowMethods
	if len(cfg.Methods) > 0 && cfg.Methods[0] != "*" {
		allowMethods = strings.Join(cfg.Methods, ", ")
	}

	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		originAllowed := allowAll
		if origin != "" && !allowAll {
			_, originAllowed = allowedSet[origin]
		}

		if originAllowed {
			if allowAll {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				c.Writer.Header().Add("Vary", "Origin")
			}
			if allowCredentials {
				c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", allowMethods)
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		// Preflight requests are answered here.
		if c.Request.Method == http.MethodOptions {
			if originAllowed {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}

		c.Next()
	}
}
