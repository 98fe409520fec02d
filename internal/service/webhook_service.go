package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/hookrelay/hookrelay/internal/config"
	infraerrors "github.com/hookrelay/hookrelay/internal/pkg/errors"
)

var (
	ErrMalformedPayload        = infraerrors.BadRequest("bad-request", "Malformed JSON or invalid structure")
	ErrIdempotencyKeyReused    = infraerrors.BadRequest("bad-request", "Idempotency key reused with different payload!")
	ErrInvalidTimestampRange   = infraerrors.BadRequest("bad-request", "Timestamp start should always be less than timestamp end!")
	ErrEventNotFound           = infraerrors.NotFound("resource-not-found", "Webhook event not found!")
	ErrDuplicateIdempotencyKey = infraerrors.Conflict("duplicate-entity", "idempotency key already exists")
)

const (
	ingestCacheSize = 4096
	ingestCacheTTL  = 5 * time.Minute
)

// WebhookService owns the write and read paths for webhook events: idempotent
// ingest with ready-queue publication, and filtered search with aggregates.
//
// Recently seen idempotency keys are held in an in-process cache so repeated
// submissions short-circuit before the store; the unique index remains the
// authority, the cache only saves round trips.
type WebhookService struct {
	repo   WebhookEventRepository
	broker WebhookBroker
	cfg    *config.Config

	dedupeCache *ristretto.Cache
	ingestGroup singleflight.Group

	now func() time.Time
}

func NewWebhookService(repo WebhookEventRepository, broker WebhookBroker, cfg *config.Config) *WebhookService {
	svc := &WebhookService{
		repo:   repo,
		broker: broker,
		cfg:    cfg,
		now:    time.Now,
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: ingestCacheSize * 10,
		MaxCost:     ingestCacheSize,
		BufferItems: 64,
	})
	if err == nil {
		svc.dedupeCache = cache
	}
	return svc
}

// Ingest persists one event per idempotency key and hands its id to the
// delivery pipeline. Re-submissions with the same key and payload return the
// original event; the same key with a different payload is a client error.
func (s *WebhookService) Ingest(ctx context.Context, idempotencyKey string, rawBody []byte) (*WebhookEvent, error) {
	var payload any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, ErrMalformedPayload
	}

	if cached, ok := s.cachedEvent(idempotencyKey); ok {
		return s.resolveExisting(cached, payload)
	}

	now := s.now().UTC()
	event := &WebhookEvent{
		Data:           payload,
		IdempotencyKey: idempotencyKey,
		Status:         StatusReceived,
		ReceivedAt:     now,
		EventType:      extractEventType(rawBody),
		AttemptCount:   0,
		DeliveryLogs:   []DeliveryLog{},
		NextRetryAt:    &now,
	}

	if err := s.repo.Insert(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.loadExisting(ctx, idempotencyKey, payload)
		}
		return nil, err
	}

	if err := s.broker.PublishReady(ctx, event.ID.Hex()); err != nil {
		// The sweeper republishes due events from the store, so ingest
		// still succeeds when the queue push fails.
		slog.Warn("webhook_enqueue_failed", "event_id", event.ID.Hex(), "error", err)
	}

	s.storeCachedEvent(event)
	slog.Info("webhook_ingested", "event_id", event.ID.Hex(), "idempotency_key", idempotencyKey)
	return event, nil
}

// loadExisting resolves an insert that lost the uniqueness race. Concurrent
// losers for the same key share one store lookup.
func (s *WebhookService) loadExisting(ctx context.Context, idempotencyKey string, payload any) (*WebhookEvent, error) {
	value, err, _ := s.ingestGroup.Do(idempotencyKey, func() (any, error) {
		return s.repo.GetByIdempotencyKey(ctx, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	event, _ := value.(*WebhookEvent)
	if event == nil {
		return nil, ErrEventNotFound
	}
	s.storeCachedEvent(event)
	return s.resolveExisting(event, payload)
}

func (s *WebhookService) resolveExisting(event *WebhookEvent, payload any) (*WebhookEvent, error) {
	if !payloadsEqual(event.Data, payload) {
		return nil, ErrIdempotencyKeyReused
	}
	slog.Info("webhook_ingest_deduplicated", "event_id", event.ID.Hex(), "idempotency_key", event.IdempotencyKey)
	return event, nil
}

// Search returns one page of events plus aggregates computed over the whole
// filtered set. Both timestamp bounds together must form a non-empty window.
func (s *WebhookService) Search(ctx context.Context, filter EventFilter, page Pagination) (*SearchResult, error) {
	if filter.TimestampFrom != nil && filter.TimestampTo != nil && !filter.TimestampFrom.Before(*filter.TimestampTo) {
		return nil, ErrInvalidTimestampRange
	}
	if page.Page < 1 {
		page.Page = s.cfg.Pagination.DefaultPage
	}
	if page.PageSize < 1 {
		page.PageSize = s.cfg.Pagination.PageSize
	}
	return s.repo.Search(ctx, filter, page)
}

func (s *WebhookService) cachedEvent(idempotencyKey string) (*WebhookEvent, bool) {
	if s.dedupeCache == nil {
		return nil, false
	}
	val, ok := s.dedupeCache.Get(idempotencyKey)
	if !ok {
		return nil, false
	}
	event, ok := val.(*WebhookEvent)
	if !ok || event == nil {
		return nil, false
	}
	return event, true
}

func (s *WebhookService) storeCachedEvent(event *WebhookEvent) {
	if s.dedupeCache == nil || event == nil {
		return
	}
	_ = s.dedupeCache.SetWithTTL(event.IdempotencyKey, event, 1, ingestCacheTTL)
}

// extractEventType pulls a top-level string event_type out of the raw
// payload. Non-object payloads and non-string values yield nil rather than a
// coerced value.
func extractEventType(raw []byte) *string {
	result := gjson.GetBytes(raw, "event_type")
	if result.Type != gjson.String {
		return nil
	}
	v := result.String()
	return &v
}

// payloadsEqual compares two JSON values structurally. Both sides pass
// through a JSON round trip first, which irons out the differing concrete
// types produced by the JSON and BSON decoders.
func payloadsEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var av, bv any
	if err := json.Unmarshal(ab, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(bb, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
