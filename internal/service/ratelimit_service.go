package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	infraerrors "github.com/hookrelay/hookrelay/internal/pkg/errors"
)

// DownstreamRateLimitKey is the bucket guarding the downstream receive
// endpoint.
const DownstreamRateLimitKey = "rate_limit:downstream"

var (
	ErrTooManyRequests      = infraerrors.TooManyRequests("rate-limited", "Too many requests! Please try again after some time.")
	ErrRateLimitUnavailable = infraerrors.ServiceUnavailable("service-unavailable", "Rate limiting service unavailable due to connection error")
)

// tokenBucketScript refills and drains one bucket in a single server-side
// step. Bucket state lives in a hash {tokens, last_refill_ts}; refill is
// proportional to the elapsed time and clamped to capacity. Returns 1 when
// the requested tokens were granted, 0 when the bucket is depleted.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill_ts")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill_ts", now)
return allowed
`)

// RateLimitService enforces token-bucket limits keyed by arbitrary strings.
// The bucket math runs inside the broker so concurrent callers never
// read-modify-write the same state from the app side.
type RateLimitService struct {
	rdb      *redis.Client
	rate     float64
	capacity float64

	now func() time.Time
}

// NewRateLimitService creates a limiter refilling rate tokens per second up
// to a burst of capacity.
func NewRateLimitService(rdb *redis.Client, rate, capacity int) *RateLimitService {
	return &RateLimitService{
		rdb:      rdb,
		rate:     float64(rate),
		capacity: float64(capacity),
		now:      time.Now,
	}
}

// Allow reports whether requested tokens are available on key, deducting
// them when they are. Broker connectivity failures surface as
// ErrRateLimitUnavailable; script evaluation failures as a server error
// carrying the broker's reply.
func (s *RateLimitService) Allow(ctx context.Context, key string, requested float64) (bool, error) {
	now := float64(s.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, s.rdb, []string{key}, s.rate, s.capacity, requested, now).Int()
	if err != nil {
		var redisErr redis.Error
		if errors.As(err, &redisErr) {
			return false, infraerrors.InternalServer(err.Error(), "Error reading script.")
		}
		return false, ErrRateLimitUnavailable
	}
	return res == 1, nil
}
