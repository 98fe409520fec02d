package dto

import "time"

// WebhookEvent is the wire form of a stored event. The id is the hex string
// of the store's ObjectID, under the original `_id` key.
type WebhookEvent struct {
	ID             string        `json:"_id"`
	Data           any           `json:"data"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         string        `json:"status"`
	ReceivedAt     time.Time     `json:"received_at"`
	EventType      *string       `json:"event_type"`
	AttemptCount   int           `json:"attempt_count"`
	DeliveryLogs   []DeliveryLog `json:"delivery_logs"`
	LockedUntil    *time.Time    `json:"locked_until"`
	NextRetryAt    *time.Time    `json:"next_retry_at"`
}

type DeliveryLog struct {
	Timestamp     time.Time `json:"timestamp"`
	AttemptNumber int       `json:"attempt_number"`
	StatusCode    int       `json:"status_code"`
	Success       bool      `json:"success"`
}

// AggregateBucket is one group of an aggregate: the grouping key (status,
// event type, or RFC3339 hour) and the number of matching events.
type AggregateBucket struct {
	ID    any   `json:"_id"`
	Count int64 `json:"count"`
}

type EventAggregates struct {
	CountByStatus    []AggregateBucket `json:"count_by_status"`
	CountByEventType []AggregateBucket `json:"count_by_event_type"`
	HourlyHistogram  []AggregateBucket `json:"hourly_histogram"`
}

type WebhookSearchResults struct {
	Events     []WebhookEvent  `json:"events"`
	Aggregates EventAggregates `json:"aggregates"`
}

// WebhookSearchPage is the data field of the search response: the total
// match count beside one page of results with their aggregates.
type WebhookSearchPage struct {
	TotalCount int64                `json:"total_count"`
	Results    WebhookSearchResults `json:"results"`
}
