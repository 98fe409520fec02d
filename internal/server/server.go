package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hookrelay/hookrelay/internal/config"

	"github.com/gin-gonic/gin"
)

// NewEngine creates a bare gin engine in the configured mode. Logging and
// recovery come from our own middleware, not gin's defaults.
func NewEngine(cfg *config.Config) *gin.Engine {
	gin.SetMode(resolveGinMode(cfg.Server.Mode))
	return gin.New()
}

// NewHTTPServer wraps the engine in an http.Server with the configured
// listen address and timeouts.
func NewHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}

func resolveGinMode(mode string) string {
	switch mode {
	case "debug":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
