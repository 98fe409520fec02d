package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/semaphore"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/pkg/httpclient"
)

// consumePollInterval bounds each blocking pop so the dispatcher re-checks
// its context at least once a second.
const consumePollInterval = time.Second

// DeliveryService drains the ready-queue and posts each claimed event to the
// downstream receiver. One dispatcher goroutine consumes ids; a weighted
// semaphore of capacity ConcurrentWorkers bounds in-flight attempts. The
// dispatcher acquires a slot before claiming, so a lease never ages while
// waiting for free capacity.
type DeliveryService struct {
	repo   WebhookEventRepository
	broker WebhookBroker
	cfg    *config.Config

	client        *http.Client
	downstreamURL string
	sem           *semaphore.Weighted
	workers       int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

func NewDeliveryService(repo WebhookEventRepository, broker WebhookBroker, cfg *config.Config) *DeliveryService {
	workers := cfg.Delivery.ConcurrentWorkers
	if workers <= 0 {
		workers = 1
	}
	return &DeliveryService{
		repo:          repo,
		broker:        broker,
		cfg:           cfg,
		client:        httpclient.GetClient(httpclient.Options{Timeout: DeliveryTimeout}),
		downstreamURL: cfg.Delivery.DownstreamURL(),
		sem:           semaphore.NewWeighted(int64(workers)),
		workers:       int64(workers),
		now:           time.Now,
	}
}

func (s *DeliveryService) Start() {
	if s == nil || s.repo == nil || s.broker == nil {
		return
	}
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.runLoop(ctx)
		slog.Info("webhook_delivery_started", "workers", s.workers, "downstream_url", s.downstreamURL)
	})
}

// Stop cancels the dispatcher and in-flight attempts, then waits for them to
// drain. Attempts cut off mid-request stay leased until the lease expires and
// are then claimed again.
func (s *DeliveryService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("webhook_delivery_drain_timed_out")
		}
		s.client.CloseIdleConnections()
		slog.Info("webhook_delivery_stopped")
	})
}

func (s *DeliveryService) runLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		eventID, err := s.broker.ConsumeReady(ctx, consumePollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("webhook_consume_failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if eventID == "" {
			continue
		}
		s.dispatch(ctx, eventID)
	}
}

func (s *DeliveryService) dispatch(ctx context.Context, eventID string) {
	id, err := primitive.ObjectIDFromHex(eventID)
	if err != nil {
		slog.Warn("webhook_invalid_event_id", "event_id", eventID)
		return
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	event, err := s.repo.Claim(ctx, id, s.now().UTC(), TaskLockedSeconds*time.Second)
	if err != nil {
		s.sem.Release(1)
		slog.Warn("webhook_claim_failed", "event_id", eventID, "error", err)
		return
	}
	if event == nil {
		// Not due, already leased, or terminal. Duplicate queue entries
		// land here.
		s.sem.Release(1)
		slog.Debug("webhook_claim_skipped", "event_id", eventID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				// The lease expires on its own and the event is claimed again.
				slog.Error("webhook_delivery_panic", "event_id", eventID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		s.deliver(ctx, event)
	}()
}

func (s *DeliveryService) deliver(ctx context.Context, event *WebhookEvent) {
	attempt := event.AttemptCount + 1
	now := s.now().UTC()
	eventID := event.ID.Hex()

	slog.Info("webhook_delivery_attempt", "event_id", eventID, "attempt", attempt)

	statusCode, retryAfter, err := s.post(ctx, event.Data)
	if err != nil && ctx.Err() != nil {
		// Shutdown canceled the attempt mid-flight. Nothing is recorded;
		// the lease expires and the event re-enters the pipeline.
		slog.Info("webhook_delivery_canceled", "event_id", eventID)
		return
	}
	if err != nil {
		slog.Warn("webhook_delivery_transport_error", "event_id", eventID, "synthetic_status", statusCode, "error", err)
	}

	outcome := classifyOutcome(statusCode, retryAfter, attempt, now)
	entry := DeliveryLog{
		Timestamp:     now,
		AttemptNumber: attempt,
		StatusCode:    statusCode,
		Success:       outcome.Status == StatusDelivered,
	}

	// The outcome write must survive shutdown, so it runs on its own
	// deadline rather than the worker context.
	markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.MarkDeliveryStatus(markCtx, event.ID, entry, outcome.Status, outcome.NextRetryAt, attempt); err != nil {
		slog.Error("webhook_mark_delivery_failed", "event_id", eventID, "error", err)
		return
	}

	if outcome.Status == StatusFailedTemporarily {
		if err := s.broker.ScheduleRetry(markCtx, eventID, *outcome.NextRetryAt); err != nil {
			slog.Warn("webhook_retry_schedule_failed", "event_id", eventID, "error", err)
		}
	}

	switch outcome.Status {
	case StatusDelivered:
		slog.Info("webhook_delivered", "event_id", eventID, "attempt", attempt, "status", statusCode)
	case StatusFailedTemporarily:
		slog.Info("webhook_delivery_retry_scheduled", "event_id", eventID, "attempt", attempt, "status", statusCode, "retry_in", outcome.RetryDelay)
	default:
		slog.Info("webhook_delivery_failed_permanently", "event_id", eventID, "attempt", attempt, "status", statusCode)
	}
}

// post sends the event payload downstream and maps transport failures to the
// synthetic status codes the classifier understands: 504 for timeouts, 500
// for everything else.
func (s *DeliveryService) post(ctx context.Context, data any) (int, string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return http.StatusInternalServerError, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.downstreamURL, bytes.NewReader(body))
	if err != nil {
		return http.StatusInternalServerError, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return http.StatusGatewayTimeout, "", err
		}
		return http.StatusInternalServerError, "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header.Get("Retry-After"), nil
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type deliveryOutcome struct {
	Status      string
	RetryDelay  time.Duration
	NextRetryAt *time.Time
}

// classifyOutcome maps one attempt's response to the event's next state.
// attempt is the 1-based number of the attempt that just ran. 2xx delivers;
// reaching MaxRetryAttempts makes any failure permanent; 429 and 5xx retry
// after the Retry-After hint or the backoff schedule; other 4xx fail
// permanently.
func classifyOutcome(statusCode int, retryAfter string, attempt int, now time.Time) deliveryOutcome {
	if statusCode >= 200 && statusCode < 300 {
		return deliveryOutcome{Status: StatusDelivered}
	}
	if attempt >= MaxRetryAttempts {
		return deliveryOutcome{Status: StatusFailedPermanently}
	}
	if statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode < 600) {
		delay := time.Duration(ExponentialBackoff[attempt-1]) * time.Second
		if statusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		next := now.Add(delay)
		return deliveryOutcome{Status: StatusFailedTemporarily, RetryDelay: delay, NextRetryAt: &next}
	}
	return deliveryOutcome{Status: StatusFailedPermanently}
}
