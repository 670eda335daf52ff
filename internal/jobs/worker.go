package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	redisclient "github.com/veilhealth/veil-backend/internal/clients/redis"
	djobs "github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/observability"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// Worker runs claim loops against the job table. Each loop polls on a
// ticker and additionally wakes on the redis firehose, so queue latency
// is event-driven when redis is configured and bounded by the poll
// interval when it is not.
type Worker struct {
	log    *logger.Logger
	store  Store
	runner *Runner
	bus    redisclient.JobEventBus

	count             int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleClaimAfter   time.Duration
	hardLimit         time.Duration
}

func NewWorker(log *logger.Logger, store Store, runner *Runner, bus redisclient.JobEventBus) *Worker {
	return &Worker{
		log:               log.With("service", "JobWorker"),
		store:             store,
		runner:            runner,
		bus:               bus,
		count:             utils.GetEnvAsInt("WORKER_COUNT", 1, log),
		pollInterval:      utils.GetEnvAsDuration("WORKER_POLL_INTERVAL", time.Second, log),
		heartbeatInterval: utils.GetEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second, log),
		staleClaimAfter:   utils.GetEnvAsDuration("STALE_CLAIM_AFTER", 5*time.Minute, log),
		hardLimit:         utils.GetEnvAsDuration("TASK_TIME_LIMIT", 30*time.Minute, log),
	}
}

// Run blocks until ctx is cancelled and every claim loop has drained.
func (w *Worker) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if w.bus != nil {
		err := w.bus.StartListener(ctx, func(ev redisclient.JobEvent) {
			if ev.Status != djobs.StatusPending {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			w.log.Warn("Job event listener unavailable; polling only", "error", err)
		}
	}

	w.log.Info("Worker starting",
		"loops", w.count,
		"poll_interval", w.pollInterval.String(),
		"hard_limit", w.hardLimit.String(),
	)
	var wg sync.WaitGroup
	for i := 0; i < w.count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.claimLoop(ctx, n, wake)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *Worker) claimLoop(ctx context.Context, n int, wake <-chan struct{}) {
	loopLog := w.log.With("loop", n)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimNextRunnable(ctx, w.staleClaimAfter)
		if err != nil {
			loopLog.Error("Claim failed", "error", err)
		} else if job != nil {
			w.process(ctx, loopLog, job)
			// Drain the queue before sleeping again.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// process runs one job under the hard deadline with a heartbeat
// goroutine keeping the claim fresh. A panic in the pipeline fails the
// job rather than the worker.
func (w *Worker) process(ctx context.Context, loopLog *logger.Logger, job *djobs.DeidJob) {
	jobCtx, cancel := context.WithTimeout(ctx, w.hardLimit)
	defer cancel()

	stopHeartbeat := w.startHeartbeat(jobCtx, job)
	defer stopHeartbeat()

	defer func() {
		if rec := recover(); rec != nil {
			loopLog.Error("Job panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			if err := w.store.FailJob(ctx, job.ID, fmt.Sprintf("panic: %v", rec), nil); err != nil {
				loopLog.Error("Could not fail panicked job", "job_id", job.ID, "error", err)
			}
			observability.RecordJobOutcome(djobs.StatusFailed, 0)
		}
	}()

	if err := w.runner.Run(jobCtx, job); err != nil {
		// Terminal-state write failed; the claim goes stale and the job
		// is re-delivered.
		loopLog.Error("Job bookkeeping failed; leaving claim to expire", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) startHeartbeat(ctx context.Context, job *djobs.DeidJob) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(ctx, job.ID); err != nil {
					w.log.Warn("Heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
