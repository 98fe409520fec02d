package service

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/hookrelay/hookrelay/internal/config"
)

const (
	requeueLeaderLockKey = "webhook:requeue:leader"
	requeueLeaderLockTTL = 2 * time.Minute

	// requeueGracePeriod keeps the sweep away from events the ready-queue
	// and retry set are still handling; only events overdue by more than
	// this count as stuck.
	requeueGracePeriod = 60 * time.Second

	requeueSweepBatch = 500
)

var requeueCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var requeueReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RequeueSweeperService re-publishes events that are due for delivery but no
// longer present on the ready-queue or the delayed-retry set, which happens
// when an enqueue fails at ingest or Redis loses state. Duplicate publishes
// are harmless: the claim step drops them.
//
// - Scheduling: 5-field cron spec (minute hour dom month dow).
// - Multi-instance: best-effort Redis leader lock so only one node sweeps.
type RequeueSweeperService struct {
	repo        WebhookEventRepository
	broker      WebhookBroker
	redisClient *redis.Client
	cfg         *config.Config

	instanceID string

	cron *cron.Cron

	startOnce sync.Once
	stopOnce  sync.Once

	warnNoRedisOnce sync.Once

	now func() time.Time
}

func NewRequeueSweeperService(
	repo WebhookEventRepository,
	broker WebhookBroker,
	redisClient *redis.Client,
	cfg *config.Config,
) *RequeueSweeperService {
	return &RequeueSweeperService{
		repo:        repo,
		broker:      broker,
		redisClient: redisClient,
		cfg:         cfg,
		instanceID:  uuid.NewString(),
		now:         time.Now,
	}
}

func (s *RequeueSweeperService) Start() {
	if s == nil {
		return
	}
	if s.repo == nil || s.broker == nil {
		log.Printf("[RequeueSweep] not started (missing deps)")
		return
	}

	s.startOnce.Do(func() {
		schedule := "* * * * *"
		if s.cfg != nil && strings.TrimSpace(s.cfg.Delivery.SweepSchedule) != "" {
			schedule = strings.TrimSpace(s.cfg.Delivery.SweepSchedule)
		}

		c := cron.New(cron.WithParser(requeueCronParser), cron.WithLocation(time.UTC))
		_, err := c.AddFunc(schedule, func() { s.runScheduled() })
		if err != nil {
			log.Printf("[RequeueSweep] not started (invalid schedule=%q): %v", schedule, err)
			return
		}
		s.cron = c
		s.cron.Start()
		log.Printf("[RequeueSweep] started (schedule=%q)", schedule)
	})
}

func (s *RequeueSweeperService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cron != nil {
			ctx := s.cron.Stop()
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
				log.Printf("[RequeueSweep] cron stop timed out")
			}
		}
	})
}

func (s *RequeueSweeperService) runScheduled() {
	if s == nil || s.repo == nil || s.broker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	release, ok := s.tryAcquireLeaderLock(ctx)
	if !ok {
		return
	}
	if release != nil {
		defer release()
	}

	startedAt := time.Now()
	requeued, err := s.sweepOnce(ctx)
	if err != nil {
		log.Printf("[RequeueSweep] sweep failed: %v", err)
		return
	}
	if requeued > 0 {
		log.Printf("[RequeueSweep] requeued stuck events count=%d elapsed=%s", requeued, time.Since(startedAt).Round(time.Millisecond))
	}
}

func (s *RequeueSweeperService) sweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-requeueGracePeriod)
	ids, err := s.repo.ListDueEventIDs(ctx, cutoff, requeueSweepBatch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		if err := s.broker.PublishReady(ctx, id); err != nil {
			// Queue is unhealthy; the rest of the batch waits for the next
			// sweep.
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func (s *RequeueSweeperService) tryAcquireLeaderLock(ctx context.Context) (func(), bool) {
	if s == nil {
		return nil, false
	}
	if s.redisClient == nil {
		s.warnNoRedisOnce.Do(func() {
			log.Printf("[RequeueSweep] redis not configured; sweeping without leader lock")
		})
		return nil, true
	}

	ok, err := s.redisClient.SetNX(ctx, requeueLeaderLockKey, s.instanceID, requeueLeaderLockTTL).Result()
	if err != nil {
		// Redis is unreachable, so publishing would fail anyway; skip this
		// run.
		s.warnNoRedisOnce.Do(func() {
			log.Printf("[RequeueSweep] leader lock SetNX failed; skipping sweep: %v", err)
		})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return func() {
		_, _ = requeueReleaseScript.Run(ctx, s.redisClient, []string{requeueLeaderLockKey}, s.instanceID).Result()
	}, true
}
