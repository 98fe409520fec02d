package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/internal/service"
)

const (
	webhookQueueKey = "webhook:queue"
	webhookRetryKey = "webhook:retry"
)

// webhookBroker carries event ids between ingest and delivery: a Redis list
// as the ready-queue and a sorted set, scored by retry time, for delayed
// retries.
type webhookBroker struct {
	rdb *redis.Client
}

func NewWebhookBroker(rdb *redis.Client) service.WebhookBroker {
	return &webhookBroker{rdb: rdb}
}

func (b *webhookBroker) PublishReady(ctx context.Context, eventID string) error {
	return b.rdb.LPush(ctx, webhookQueueKey, eventID).Err()
}

// ConsumeReady blocks up to timeout for the next ready event id. Timeouts
// under one second are not supported by BRPOP; callers poll at one second.
// An empty queue returns "" with no error so the caller can re-check its
// context between blocks.
func (b *webhookBroker) ConsumeReady(ctx context.Context, timeout time.Duration) (string, error) {
	vals, err := b.rdb.BRPop(ctx, timeout, webhookQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPOP replies [key, value].
	if len(vals) != 2 {
		return "", nil
	}
	return vals[1], nil
}

func (b *webhookBroker) ScheduleRetry(ctx context.Context, eventID string, readyAt time.Time) error {
	return b.rdb.ZAdd(ctx, webhookRetryKey, redis.Z{
		Score:  unixSeconds(readyAt),
		Member: eventID,
	}).Err()
}

func (b *webhookBroker) DueRetries(ctx context.Context, now time.Time) ([]string, error) {
	return b.rdb.ZRangeByScore(ctx, webhookRetryKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
	}).Result()
}

func (b *webhookBroker) RemoveRetry(ctx context.Context, eventID string) error {
	return b.rdb.ZRem(ctx, webhookRetryKey, eventID).Err()
}

// unixSeconds keeps sub-second precision without the drift of a direct
// float64(UnixNano()) conversion.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
