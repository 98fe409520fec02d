// Package dto provides data transfer objects for HTTP handlers.
package dto

import (
	"time"

	"github.com/hookrelay/hookrelay/internal/service"
)

// WebhookEventFromService converts a stored event to its wire form. The
// store hands back times in the server's local zone; the wire form is
// always UTC.
func WebhookEventFromService(e *service.WebhookEvent) *WebhookEvent {
	if e == nil {
		return nil
	}
	logs := make([]DeliveryLog, 0, len(e.DeliveryLogs))
	for _, l := range e.DeliveryLogs {
		logs = append(logs, DeliveryLog{
			Timestamp:     l.Timestamp.UTC(),
			AttemptNumber: l.AttemptNumber,
			StatusCode:    l.StatusCode,
			Success:       l.Success,
		})
	}
	return &WebhookEvent{
		ID:             e.ID.Hex(),
		Data:           e.Data,
		IdempotencyKey: e.IdempotencyKey,
		Status:         e.Status,
		ReceivedAt:     e.ReceivedAt.UTC(),
		EventType:      e.EventType,
		AttemptCount:   e.AttemptCount,
		DeliveryLogs:   logs,
		LockedUntil:    utcTime(e.LockedUntil),
		NextRetryAt:    utcTime(e.NextRetryAt),
	}
}

func WebhookEventsFromService(events []service.WebhookEvent) []WebhookEvent {
	out := make([]WebhookEvent, 0, len(events))
	for i := range events {
		out = append(out, *WebhookEventFromService(&events[i]))
	}
	return out
}

func AggregateBucketsFromService(buckets []service.AggregateBucket) []AggregateBucket {
	out := make([]AggregateBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, AggregateBucket{ID: b.ID, Count: b.Count})
	}
	return out
}

func EventAggregatesFromService(a service.EventAggregates) EventAggregates {
	return EventAggregates{
		CountByStatus:    AggregateBucketsFromService(a.CountByStatus),
		CountByEventType: AggregateBucketsFromService(a.CountByEventType),
		HourlyHistogram:  AggregateBucketsFromService(a.HourlyHistogram),
	}
}

func SearchPageFromService(r *service.SearchResult) *WebhookSearchPage {
	if r == nil {
		return nil
	}
	return &WebhookSearchPage{
		TotalCount: r.TotalCount,
		Results: WebhookSearchResults{
			Events:     WebhookEventsFromService(r.Events),
			Aggregates: EventAggregatesFromService(r.Aggregates),
		},
	}
}

func utcTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}
