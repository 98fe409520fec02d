package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/hookrelay/hookrelay/internal/config"
)

var deliveryTestClock = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestDeliveryService(repo *memEventRepo, broker *memBroker, baseURL string, workers int) *DeliveryService {
	cfg := &config.Config{
		Delivery: config.DeliveryConfig{
			BaseURL:           baseURL,
			ConcurrentWorkers: workers,
		},
	}
	svc := NewDeliveryService(repo, broker, cfg)
	svc.now = func() time.Time { return deliveryTestClock }
	return svc
}

func seedDeliverableEvent(t *testing.T, repo *memEventRepo, payload map[string]any) *WebhookEvent {
	t.Helper()
	due := deliveryTestClock.Add(-time.Second)
	event := &WebhookEvent{
		Data:           payload,
		IdempotencyKey: primitive.NewObjectID().Hex(),
		Status:         StatusReceived,
		ReceivedAt:     due,
		DeliveryLogs:   []DeliveryLog{},
		NextRetryAt:    &due,
	}
	require.NoError(t, repo.Insert(context.Background(), event))
	return event
}

func TestClassifyOutcome(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name       string
		statusCode int
		retryAfter string
		attempt    int
		wantStatus string
		wantDelay  time.Duration
	}{
		{"success", 200, "", 1, StatusDelivered, 0},
		{"success_no_content", 204, "", 3, StatusDelivered, 0},
		{"success_on_final_attempt", 200, "", 5, StatusDelivered, 0},
		{"server_error_first_attempt", 500, "", 1, StatusFailedTemporarily, time.Second},
		{"server_error_backoff_grows", 503, "", 3, StatusFailedTemporarily, 4 * time.Second},
		{"gateway_timeout_fourth_attempt", 504, "", 4, StatusFailedTemporarily, 8 * time.Second},
		{"throttled_with_retry_after", 429, "7", 1, StatusFailedTemporarily, 7 * time.Second},
		{"throttled_retry_after_padded", 429, " 10 ", 2, StatusFailedTemporarily, 10 * time.Second},
		{"throttled_retry_after_zero", 429, "0", 1, StatusFailedTemporarily, 0},
		{"throttled_retry_after_invalid", 429, "soon", 2, StatusFailedTemporarily, 2 * time.Second},
		{"throttled_retry_after_negative", 429, "-3", 1, StatusFailedTemporarily, time.Second},
		{"client_error_permanent", 400, "", 1, StatusFailedPermanently, 0},
		{"not_found_permanent", 404, "", 2, StatusFailedPermanently, 0},
		{"exhausted_on_server_error", 500, "", 5, StatusFailedPermanently, 0},
		{"exhausted_on_throttle", 429, "7", 5, StatusFailedPermanently, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyOutcome(tt.statusCode, tt.retryAfter, tt.attempt, now)
			require.Equal(t, tt.wantStatus, got.Status)
			if tt.wantStatus == StatusFailedTemporarily {
				require.Equal(t, tt.wantDelay, got.RetryDelay)
				require.NotNil(t, got.NextRetryAt)
				require.Equal(t, now.Add(tt.wantDelay), *got.NextRetryAt)
			} else {
				require.Nil(t, got.NextRetryAt)
			}
		})
	}
}

func TestDeliveryService_DeliversEvent(t *testing.T) {
	var calls atomic.Int64
	var gotPath atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotPath.Store(r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	event := seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created", "order_id": float64(42)})
	svc := newTestDeliveryService(repo, broker, srv.URL, 2)

	svc.Start()
	defer svc.Stop()

	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == StatusDelivered
	}, 5*time.Second, 10*time.Millisecond)

	stored := repo.get(event.ID)
	require.Equal(t, 1, stored.AttemptCount)
	require.Nil(t, stored.LockedUntil)
	require.Nil(t, stored.NextRetryAt)
	require.Len(t, stored.DeliveryLogs, 1)
	entry := stored.DeliveryLogs[0]
	require.Equal(t, deliveryTestClock, entry.Timestamp)
	require.Equal(t, 1, entry.AttemptNumber)
	require.Equal(t, http.StatusOK, entry.StatusCode)
	require.True(t, entry.Success)

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, "/api/v1/webhooks/downstream/receive", gotPath.Load())
	require.JSONEq(t, `{"event_type":"order.created","order_id":42}`, gotBody.Load().(string))
	require.Equal(t, 0, broker.retryCount())
}

func TestDeliveryService_SchedulesRetryOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	event := seedDeliverableEvent(t, repo, map[string]any{"event_type": "invoice.paid"})
	svc := newTestDeliveryService(repo, broker, srv.URL, 1)

	svc.Start()
	defer svc.Stop()

	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == StatusFailedTemporarily
	}, 5*time.Second, 10*time.Millisecond)

	stored := repo.get(event.ID)
	require.Equal(t, 1, stored.AttemptCount)
	require.Nil(t, stored.LockedUntil)
	require.NotNil(t, stored.NextRetryAt)
	require.Equal(t, deliveryTestClock.Add(time.Second), *stored.NextRetryAt)
	require.Len(t, stored.DeliveryLogs, 1)
	require.Equal(t, http.StatusInternalServerError, stored.DeliveryLogs[0].StatusCode)
	require.False(t, stored.DeliveryLogs[0].Success)

	at, ok := broker.retryAt(event.ID.Hex())
	require.True(t, ok)
	require.Equal(t, *stored.NextRetryAt, at)
}

func TestDeliveryService_HonorsRetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	event := seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created"})
	svc := newTestDeliveryService(repo, broker, srv.URL, 1)

	svc.Start()
	defer svc.Stop()

	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == StatusFailedTemporarily
	}, 5*time.Second, 10*time.Millisecond)

	stored := repo.get(event.ID)
	require.Equal(t, deliveryTestClock.Add(7*time.Second), *stored.NextRetryAt)
	at, ok := broker.retryAt(event.ID.Hex())
	require.True(t, ok)
	require.Equal(t, deliveryTestClock.Add(7*time.Second), at)
}

func TestDeliveryService_ClientErrorFailsPermanently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	event := seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created"})
	svc := newTestDeliveryService(repo, broker, srv.URL, 1)

	svc.Start()
	defer svc.Stop()

	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == StatusFailedPermanently
	}, 5*time.Second, 10*time.Millisecond)

	stored := repo.get(event.ID)
	require.Equal(t, 1, stored.AttemptCount)
	require.Nil(t, stored.NextRetryAt)
	require.Equal(t, 0, broker.retryCount())
}

func TestDeliveryService_ExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	due := deliveryTestClock.Add(-time.Minute)
	event := &WebhookEvent{
		Data:           map[string]any{"event_type": "order.created"},
		IdempotencyKey: "exhausted-key",
		Status:         StatusFailedTemporarily,
		ReceivedAt:     deliveryTestClock.Add(-time.Hour),
		AttemptCount:   MaxRetryAttempts - 1,
		DeliveryLogs:   []DeliveryLog{},
		NextRetryAt:    &due,
	}
	require.NoError(t, repo.Insert(context.Background(), event))

	svc := newTestDeliveryService(repo, broker, srv.URL, 1)
	svc.Start()
	defer svc.Stop()

	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == StatusFailedPermanently
	}, 5*time.Second, 10*time.Millisecond)

	stored := repo.get(event.ID)
	require.Equal(t, MaxRetryAttempts, stored.AttemptCount)
	require.Nil(t, stored.NextRetryAt)
	require.Len(t, stored.DeliveryLogs, 1)
	require.Equal(t, MaxRetryAttempts, stored.DeliveryLogs[0].AttemptNumber)
	require.Equal(t, 0, broker.retryCount())
}

func TestDeliveryService_TimeoutRecordsGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	event := seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created"})
	svc := newTestDeliveryService(repo, broker, srv.URL, 1)
	svc.client = &http.Client{Timeout: 100 * time.Millisecond}

	svc.Start()
	defer svc.Stop()

	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == StatusFailedTemporarily
	}, 5*time.Second, 10*time.Millisecond)

	stored := repo.get(event.ID)
	require.Len(t, stored.DeliveryLogs, 1)
	require.Equal(t, http.StatusGatewayTimeout, stored.DeliveryLogs[0].StatusCode)
	require.False(t, stored.DeliveryLogs[0].Success)
	require.Equal(t, deliveryTestClock.Add(time.Second), *stored.NextRetryAt)
}

func TestDeliveryService_SkipsInvalidAndIneligibleIDs(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()

	delivered := seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created"})
	require.NoError(t, repo.MarkDeliveryStatus(context.Background(), delivered.ID, DeliveryLog{}, StatusDelivered, nil, 1))

	pending := seedDeliverableEvent(t, repo, map[string]any{"event_type": "invoice.paid"})

	svc := newTestDeliveryService(repo, broker, srv.URL, 1)
	svc.Start()
	defer svc.Stop()

	// Garbage ids and terminal events are dropped; the loop keeps going.
	require.NoError(t, broker.PublishReady(context.Background(), "not-a-hex-id"))
	require.NoError(t, broker.PublishReady(context.Background(), delivered.ID.Hex()))
	require.NoError(t, broker.PublishReady(context.Background(), pending.ID.Hex()))

	require.Eventually(t, func() bool {
		return repo.get(pending.ID).Status == StatusDelivered
	}, 5*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, calls.Load())
	require.Len(t, repo.get(delivered.ID).DeliveryLogs, 1)
}

func TestDeliveryService_BoundsConcurrentDeliveries(t *testing.T) {
	var inFlight, peak atomic.Int64
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-gate
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	events := make([]*WebhookEvent, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created"}))
	}

	svc := newTestDeliveryService(repo, broker, srv.URL, 2)
	svc.Start()
	defer svc.Stop()

	for _, event := range events {
		require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))
	}

	require.Eventually(t, func() bool {
		return inFlight.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		return inFlight.Load() > 2
	}, 300*time.Millisecond, 20*time.Millisecond)

	close(gate)

	require.Eventually(t, func() bool {
		for _, event := range events {
			if repo.get(event.ID).Status != StatusDelivered {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 2, peak.Load())
}

func TestDeliveryService_StopAbandonsInFlightAttempt(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemEventRepo()
	broker := newMemBroker()
	event := seedDeliverableEvent(t, repo, map[string]any{"event_type": "order.created"})
	svc := newTestDeliveryService(repo, broker, srv.URL, 1)

	svc.Start()
	require.NoError(t, broker.PublishReady(context.Background(), event.ID.Hex()))
	<-started

	svc.Stop()

	// The interrupted attempt records nothing; the lease stays until it
	// expires, after which the event is claimable again.
	stored := repo.get(event.ID)
	require.Equal(t, StatusReceived, stored.Status)
	require.Empty(t, stored.DeliveryLogs)
	require.Equal(t, 0, stored.AttemptCount)
	require.NotNil(t, stored.LockedUntil)
	require.Equal(t, deliveryTestClock.Add(TaskLockedSeconds*time.Second), *stored.LockedUntil)
}
