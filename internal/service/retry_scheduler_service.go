package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// retryPollInterval matches the one second granularity of the backoff
// ladder.
const retryPollInterval = time.Second

// RetryScheduler promotes events whose retry time has arrived from the
// delayed-retry set back onto the ready-queue. Each entry is published
// first and removed second, so a crash between the two steps re-promotes
// instead of dropping; the claim step absorbs the duplicate.
type RetryScheduler struct {
	broker   WebhookBroker
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}

	now func() time.Time
}

func NewRetryScheduler(broker WebhookBroker) *RetryScheduler {
	return &RetryScheduler{
		broker:   broker,
		interval: retryPollInterval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

func (s *RetryScheduler) Start() {
	if s == nil || s.broker == nil {
		return
	}
	s.startOnce.Do(func() {
		slog.Info("retry_scheduler_started", "interval", s.interval)
		go s.runLoop()
	})
}

func (s *RetryScheduler) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		slog.Info("retry_scheduler_stopped")
	})
}

func (s *RetryScheduler) runLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Promote once on startup so a restart doesn't sit on a backlog.
	s.promoteDue()

	for {
		select {
		case <-ticker.C:
			s.promoteDue()
		case <-s.stopCh:
			return
		}
	}
}

func (s *RetryScheduler) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := s.broker.DueRetries(ctx, s.now().UTC())
	if err != nil {
		slog.Warn("retry_scan_failed", "error", err)
		return
	}
	promoted := 0
	for _, id := range ids {
		if err := s.broker.PublishReady(ctx, id); err != nil {
			// Entry stays in the set and is picked up next tick.
			slog.Warn("retry_promote_failed", "event_id", id, "error", err)
			continue
		}
		if err := s.broker.RemoveRetry(ctx, id); err != nil {
			slog.Warn("retry_remove_failed", "event_id", id, "error", err)
		}
		promoted++
	}
	if promoted > 0 {
		slog.Info("retries_promoted", "count", promoted)
	}
}
