package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/handler"
	"github.com/hookrelay/hookrelay/internal/pkg/logger"
	"github.com/hookrelay/hookrelay/internal/repository"
	"github.com/hookrelay/hookrelay/internal/server"
	"github.com/hookrelay/hookrelay/internal/service"
)

type Application struct {
	Server  *http.Server
	Cleanup func()
}

func main() {
	logger.InitBootstrap()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Init(logger.OptionsFromConfig(cfg.Log)); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Cleanup()

	go func() {
		log.Printf("API server listening on %s", app.Server.Addr)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Printf("Server exited")
}

func initializeApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, mongoCleanup, err := repository.NewMongoDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := repository.EnsureIndexes(ctx, db); err != nil {
		mongoCleanup()
		return nil, err
	}

	rdb, redisCleanup, err := repository.NewRedisClient(ctx, cfg)
	if err != nil {
		mongoCleanup()
		return nil, err
	}

	eventRepo := repository.NewWebhookEventRepository(db)
	broker := repository.NewWebhookBroker(rdb)

	webhookService := service.NewWebhookService(eventRepo, broker, cfg)
	signatureService := service.NewSignatureService(cfg.Auth.SecretKey, time.Duration(cfg.Auth.TimestampToleranceSeconds)*time.Second)
	rateLimitService := service.NewRateLimitService(rdb, cfg.RateLimit.DownstreamRate, cfg.RateLimit.DownstreamCapacity)

	webhookHandler := handler.NewWebhookHandler(cfg, webhookService)

	engine := server.NewEngine(cfg)
	server.SetupRouter(engine, webhookHandler, signatureService, rateLimitService, cfg)
	httpServer := server.NewHTTPServer(cfg, engine)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Cleanup steps in reverse dependency order
		cleanupSteps := []struct {
			name string
			fn   func() error
		}{
			{"Redis", func() error {
				redisCleanup()
				return nil
			}},
			{"Mongo", func() error {
				mongoCleanup()
				return nil
			}},
		}

		for _, step := range cleanupSteps {
			if err := step.fn(); err != nil {
				log.Printf("[Cleanup] %s failed: %v", step.name, err)
			} else {
				log.Printf("[Cleanup] %s succeeded", step.name)
			}
		}

		select {
		case <-ctx.Done():
			log.Printf("[Cleanup] Warning: cleanup timed out after 10 seconds")
		default:
			log.Printf("[Cleanup] All cleanup steps completed")
		}
	}

	return &Application{Server: httpServer, Cleanup: cleanup}, nil
}
