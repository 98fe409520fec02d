package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/pkg/httpclient"
	"github.com/hookrelay/hookrelay/internal/pkg/logger"
	"github.com/hookrelay/hookrelay/internal/repository"
	"github.com/hookrelay/hookrelay/internal/service"
)

type Application struct {
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

	app, err := initializeWorker(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize worker: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("Shutdown signal received")

	app.Cleanup()
	log.Printf("Worker exited")
}

func initializeWorker(cfg *config.Config) (*Application, error) {
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

	deliveryService := service.NewDeliveryService(eventRepo, broker, cfg)
	retryScheduler := service.NewRetryScheduler(broker)
	requeueSweeper := service.NewRequeueSweeperService(eventRepo, broker, rdb, cfg)

	deliveryService.Start()
	retryScheduler.Start()
	requeueSweeper.Start()
	log.Printf("Delivery worker started (workers=%d downstream=%s)", cfg.Delivery.ConcurrentWorkers, cfg.Delivery.DownstreamURL())

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Cleanup steps in reverse dependency order
		cleanupSteps := []struct {
			name string
			fn   func() error
		}{
			{"RequeueSweeperService", func() error {
				requeueSweeper.Stop()
				return nil
			}},
			{"RetryScheduler", func() error {
				retryScheduler.Stop()
				return nil
			}},
			{"DeliveryService", func() error {
				deliveryService.Stop()
				return nil
			}},
			{"HTTPClientPool", func() error {
				httpclient.CloseIdleConnections()
				return nil
			}},
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

	return &Application{Cleanup: cleanup}, nil
}
