package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

// JobEvent is one status transition, published on the job's own
// channel and the firehose. Workers subscribe to the firehose to wake
// up ahead of their poll tick when new work arrives.
type JobEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type JobEventBus interface {
	Publish(ctx context.Context, ev JobEvent) error
	// StartListener invokes onEvent for every event on the firehose
	// until ctx is cancelled. Payloads that fail to decode are logged
	// and skipped.
	StartListener(ctx context.Context, onEvent func(ev JobEvent)) error
	Close() error
}

type redisJobEventBus struct {
	log    *logger.Logger
	rdb    *redis.Client
	prefix string
}

func NewJobEventBus(log *logger.Logger) (JobEventBus, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	prefix := strings.TrimSpace(os.Getenv("REDIS_JOB_CHANNEL_PREFIX"))
	if prefix == "" {
		prefix = "veil:jobs"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisJobEventBus{
		log:    log.With("service", "JobEventBus"),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (b *redisJobEventBus) jobChannel(id uuid.UUID) string {
	return fmt.Sprintf("%s:%s", b.prefix, id)
}

func (b *redisJobEventBus) firehose() string {
	return b.prefix + ":all"
}

func (b *redisJobEventBus) Publish(ctx context.Context, ev JobEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.jobChannel(ev.JobID), raw).Err(); err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.firehose(), raw).Err()
}

func (b *redisJobEventBus) StartListener(ctx context.Context, onEvent func(ev JobEvent)) error {
	sub := b.rdb.Subscribe(ctx, b.firehose())

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev JobEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis job event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *redisJobEventBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// NopJobEventBus satisfies JobEventBus when Redis is not configured.
// Workers fall back to pure polling.
type NopJobEventBus struct{}

func (NopJobEventBus) Publish(context.Context, JobEvent) error                { return nil }
func (NopJobEventBus) StartListener(context.Context, func(ev JobEvent)) error { return nil }
func (NopJobEventBus) Close() error                                           { return nil }
