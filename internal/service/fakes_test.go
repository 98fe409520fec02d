package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Compile-time checks that the fakes satisfy the service ports.
var (
	_ WebhookEventRepository = (*memEventRepo)(nil)
	_ WebhookBroker          = (*memBroker)(nil)
)

// memEventRepo is a mutex-guarded in-memory WebhookEventRepository with the
// same conditional-update semantics as the store: unique idempotency keys,
// lease-aware claims, and copy-on-return so tests never alias internal state.
type memEventRepo struct {
	mu     sync.Mutex
	events map[primitive.ObjectID]*WebhookEvent
	byKey  map[string]primitive.ObjectID
	order  []primitive.ObjectID

	lastSearchPage Pagination
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{
		events: make(map[primitive.ObjectID]*WebhookEvent),
		byKey:  make(map[string]primitive.ObjectID),
	}
}

func (r *memEventRepo) Insert(_ context.Context, event *WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[event.IdempotencyKey]; exists {
		return ErrDuplicateIdempotencyKey
	}
	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	r.events[event.ID] = copyEvent(event)
	r.byKey[event.IdempotencyKey] = event.ID
	r.order = append(r.order, event.ID)
	return nil
}

func (r *memEventRepo) GetByIdempotencyKey(_ context.Context, key string) (*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(r.events[id]), nil
}

func (r *memEventRepo) Claim(_ context.Context, id primitive.ObjectID, now time.Time, lease time.Duration) (*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok || !eligibleForDelivery(event, now) {
		return nil, nil
	}
	lockedUntil := now.Add(lease)
	event.LockedUntil = &lockedUntil
	return copyEvent(event), nil
}

func (r *memEventRepo) MarkDeliveryStatus(_ context.Context, id primitive.ObjectID, entry DeliveryLog, status string, nextRetryAt *time.Time, attemptCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return ErrEventNotFound
	}
	event.Status = status
	event.LockedUntil = nil
	event.NextRetryAt = copyTime(nextRetryAt)
	event.AttemptCount = attemptCount
	event.DeliveryLogs = append(event.DeliveryLogs, entry)
	return nil
}

func (r *memEventRepo) Search(_ context.Context, _ EventFilter, page Pagination) (*SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSearchPage = page
	return &SearchResult{
		Events: []WebhookEvent{},
		Aggregates: EventAggregates{
			CountByStatus:    []AggregateBucket{},
			CountByEventType: []AggregateBucket{},
			HourlyHistogram:  []AggregateBucket{},
		},
	}, nil
}

func (r *memEventRepo) ListDueEventIDs(_ context.Context, now time.Time, limit int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]*WebhookEvent, 0, len(r.order))
	for _, id := range r.order {
		if event := r.events[id]; eligibleForDelivery(event, now) {
			due = append(due, event)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	ids := make([]string, 0, len(due))
	for _, event := range due {
		if limit > 0 && int64(len(ids)) >= limit {
			break
		}
		ids = append(ids, event.ID.Hex())
	}
	return ids, nil
}

// get returns a copy of the stored event, or nil when it was never inserted.
func (r *memEventRepo) get(id primitive.ObjectID) *WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyEvent(r.events[id])
}

func (r *memEventRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func eligibleForDelivery(event *WebhookEvent, now time.Time) bool {
	if event == nil {
		return false
	}
	if event.Status != StatusReceived && event.Status != StatusFailedTemporarily {
		return false
	}
	if event.NextRetryAt == nil || event.NextRetryAt.After(now) {
		return false
	}
	return event.LockedUntil == nil || !event.LockedUntil.After(now)
}

func copyEvent(event *WebhookEvent) *WebhookEvent {
	if event == nil {
		return nil
	}
	out := *event
	out.DeliveryLogs = append([]DeliveryLog(nil), event.DeliveryLogs...)
	out.LockedUntil = copyTime(event.LockedUntil)
	out.NextRetryAt = copyTime(event.NextRetryAt)
	return &out
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}

// memBroker is an in-memory WebhookBroker. The ready-queue keeps a separate
// append-only publish history so assertions survive consumption, and the
// delayed-retry set is a map keyed by event id.
type memBroker struct {
	mu         sync.Mutex
	queue      []string
	published  []string
	retries    map[string]time.Time
	publishErr error
}

func newMemBroker() *memBroker {
	return &memBroker{retries: make(map[string]time.Time)}
}

func (b *memBroker) PublishReady(_ context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.queue = append(b.queue, eventID)
	b.published = append(b.published, eventID)
	return nil
}

// ConsumeReady polls the queue until an id shows up, the timeout elapses, or
// the context ends. Order is FIFO, matching the list semantics of the real
// broker.
func (b *memBroker) ConsumeReady(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if id, ok := b.popReady(); ok {
			return id, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (b *memBroker) popReady() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return "", false
	}
	id := b.queue[0]
	b.queue = b.queue[1:]
	return id, true
}

func (b *memBroker) ScheduleRetry(_ context.Context, eventID string, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries[eventID] = readyAt
	return nil
}

func (b *memBroker) DueRetries(_ context.Context, now time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.retries))
	for id, readyAt := range b.retries {
		if !readyAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if !b.retries[ids[i]].Equal(b.retries[ids[j]]) {
			return b.retries[ids[i]].Before(b.retries[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

func (b *memBroker) RemoveRetry(_ context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retries, eventID)
	return nil
}

func (b *memBroker) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// publishedIDs returns every id ever published, consumed or not.
func (b *memBroker) publishedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func (b *memBroker) retryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.retries)
}

func (b *memBroker) retryAt(eventID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.retries[eventID]
	return at, ok
}
