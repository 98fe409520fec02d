package service

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Webhook event lifecycle statuses.
const (
	StatusReceived          = "received"
	StatusFailedTemporarily = "failed_temporarily"
	StatusFailedPermanently = "failed_permanently"
	StatusDelivered         = "delivered"
)

// Delivery policy. The lease TTL must exceed the worst-case attempt latency
// (delivery timeout plus store writes), so a live worker never loses its
// lease mid-attempt.
const (
	MaxRetryAttempts  = 5
	TaskLockedSeconds = 30
	DeliveryTimeout   = 3 * time.Second
)

// ExponentialBackoff is the retry delay schedule in seconds. The delay for
// attempt n (1-based) is ExponentialBackoff[n-1].
var ExponentialBackoff = []int{1, 2, 4, 8, 16}

// DeliveryLog records the outcome of one delivery attempt. Transport errors
// and timeouts are recorded with synthetic status codes (500 and 504).
type DeliveryLog struct {
	Timestamp     time.Time `bson:"timestamp" json:"timestamp"`
	AttemptNumber int       `bson:"attempt_number" json:"attempt_number"`
	StatusCode    int       `bson:"status_code" json:"status_code"`
	Success       bool      `bson:"success" json:"success"`
}

// WebhookEvent is the durable record of one ingested webhook.
type WebhookEvent struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Data           any                `bson:"data" json:"data"`
	IdempotencyKey string             `bson:"idempotency_key" json:"idempotency_key"`
	Status         string             `bson:"status" json:"status"`
	ReceivedAt     time.Time          `bson:"received_at" json:"received_at"`
	EventType      *string            `bson:"event_type" json:"event_type"`
	AttemptCount   int                `bson:"attempt_count" json:"attempt_count"`
	DeliveryLogs   []DeliveryLog      `bson:"delivery_logs" json:"delivery_logs"`
	LockedUntil    *time.Time         `bson:"locked_until" json:"locked_until"`
	NextRetryAt    *time.Time         `bson:"next_retry_at" json:"next_retry_at"`
}

// IsTerminal reports whether the event reached a final status.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == StatusDelivered || e.Status == StatusFailedPermanently
}

// EventFilter narrows search queries. Zero values mean "no filter"; the
// timestamp bounds apply to received_at.
type EventFilter struct {
	Status        string
	EventType     string
	TimestampFrom *time.Time
	TimestampTo   *time.Time
}

type Pagination struct {
	Page     int
	PageSize int
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// AggregateBucket is one group of an aggregate facet: the grouping key in ID
// and the number of matching events. For the hourly histogram the ID is the
// truncated hour formatted as an ISO-8601 string.
type AggregateBucket struct {
	ID    any   `bson:"_id" json:"_id"`
	Count int64 `bson:"count" json:"count"`
}

// EventAggregates holds the facet results computed over the filtered set,
// not just the returned page.
type EventAggregates struct {
	CountByStatus    []AggregateBucket `bson:"count_by_status" json:"count_by_status"`
	CountByEventType []AggregateBucket `bson:"count_by_event_type" json:"count_by_event_type"`
	HourlyHistogram  []AggregateBucket `bson:"hourly_histogram" json:"hourly_histogram"`
}

type SearchResult struct {
	TotalCount int64
	Events     []WebhookEvent
	Aggregates EventAggregates
}

// WebhookEventRepository is the durable store for webhook events.
type WebhookEventRepository interface {
	// Insert persists a new event. A unique-index violation on
	// idempotency_key is reported as ErrDuplicateIdempotencyKey.
	Insert(ctx context.Context, event *WebhookEvent) error

	GetByIdempotencyKey(ctx context.Context, key string) (*WebhookEvent, error)

	// Claim atomically leases one eligible event: status received or
	// failed_temporarily, next_retry_at due, and not locked by a live
	// lease. Returns the post-update event, or nil when the event is not
	// eligible.
	Claim(ctx context.Context, id primitive.ObjectID, now time.Time, lease time.Duration) (*WebhookEvent, error)

	// MarkDeliveryStatus records the outcome of one attempt: sets the
	// status, clears the lease, sets next_retry_at and attempt_count, and
	// appends the delivery log entry.
	MarkDeliveryStatus(ctx context.Context, id primitive.ObjectID, entry DeliveryLog, status string, nextRetryAt *time.Time, attemptCount int) error

	Search(ctx context.Context, filter EventFilter, page Pagination) (*SearchResult, error)

	// ListDueEventIDs returns ids of events that are ready for an attempt
	// but may have lost their broker reference. Used by the requeue sweeper.
	ListDueEventIDs(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// WebhookBroker hands event ids between the API process and the delivery
// workers: a ready list for immediate attempts and a delayed-retry sorted
// set scored by the unix time an event becomes eligible again.
type WebhookBroker interface {
	PublishReady(ctx context.Context, eventID string) error

	// ConsumeReady blocks up to timeout for the next ready event id and
	// returns "" when the timeout elapses with no event.
	ConsumeReady(ctx context.Context, timeout time.Duration) (string, error)

	ScheduleRetry(ctx context.Context, eventID string, readyAt time.Time) error

	// DueRetries lists event ids whose readiness score is at or before now.
	DueRetries(ctx context.Context, now time.Time) ([]string, error)

	RemoveRetry(ctx context.Context, eventID string) error
}
