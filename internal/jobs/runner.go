package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/veilhealth/veil-backend/internal/clients/redis"
	"github.com/veilhealth/veil-backend/internal/domain/deid"
	djobs "github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/observability"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/services"
	"github.com/veilhealth/veil-backend/internal/storage"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// Pipeline is the runner's view of the de-identification service.
type Pipeline interface {
	Deidentify(ctx context.Context, data []byte, opts services.DeidentifyOptions) (*deid.Result, error)
}

// Runner executes one claimed job end to end and owns the retry-vs-fail
// decision. The happy path is strictly ordered: download from the PHI
// bucket, pipeline, upload the masked artifact to the clean bucket,
// delete the PHI input, then commit entity rows and COMPLETE in one
// transaction. The row stays claimed until that final commit, so a
// crash anywhere re-delivers the whole job.
type Runner struct {
	log      *logger.Logger
	store    Store
	buckets  *storage.Pair
	pipeline Pipeline
	bus      redisclient.JobEventBus

	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	softLimit  time.Duration
}

func NewRunner(log *logger.Logger, store Store, buckets *storage.Pair, pipeline Pipeline, bus redisclient.JobEventBus) *Runner {
	return &Runner{
		log:        log.With("service", "JobRunner"),
		store:      store,
		buckets:    buckets,
		pipeline:   pipeline,
		bus:        bus,
		maxRetries: utils.GetEnvAsInt("MAX_RETRIES", 3, log),
		retryBase:  utils.GetEnvAsDuration("RETRY_BASE_DELAY", 60*time.Second, log),
		retryCap:   utils.GetEnvAsDuration("RETRY_MAX_BACKOFF", 600*time.Second, log),
		softLimit:  utils.GetEnvAsDuration("SOFT_TIME_LIMIT", 25*time.Minute, log),
	}
}

// Run processes one claimed job. The returned error reports only
// bookkeeping failures (a terminal-state write that did not stick);
// pipeline failures are absorbed into the job's own state.
func (r *Runner) Run(ctx context.Context, job *djobs.DeidJob) error {
	jobLog := r.log.With("job_id", job.ID, "retry_count", job.RetryCount)
	started := time.Now()
	r.publish(ctx, job, djobs.StatusProcessing, "")

	runCtx, cancel := context.WithTimeout(ctx, r.softLimit)
	defer cancel()

	err := r.attempt(runCtx, jobLog, job)
	elapsed := time.Since(started)
	if err == nil {
		observability.RecordJobOutcome(djobs.StatusComplete, elapsed.Seconds())
		r.publish(ctx, job, djobs.StatusComplete, "")
		jobLog.Info("Job complete", "took_ms", elapsed.Milliseconds())
		return nil
	}

	// State writes below run on the worker context: the soft limit may
	// already be spent.
	if runCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("job exceeded soft time limit %s: %w", r.softLimit, err)
	}
	return r.finishFailure(ctx, jobLog, job, err, elapsed)
}

func (r *Runner) attempt(ctx context.Context, jobLog *logger.Logger, job *djobs.DeidJob) error {
	level, err := deid.ParseMaskingLevel(job.MaskingLevel)
	if err != nil {
		return fmt.Errorf("%v: %w", err, deid.ErrTerminal)
	}
	var custom []string
	if len(job.CustomCategories) > 0 {
		if err := json.Unmarshal(job.CustomCategories, &custom); err != nil {
			return fmt.Errorf("bad custom_categories: %v: %w", err, deid.ErrTerminal)
		}
	}

	data, err := r.buckets.PHI.Download(ctx, job.InputKey)
	if err != nil {
		return err
	}

	result, err := r.pipeline.Deidentify(ctx, data, services.DeidentifyOptions{
		Level:            level,
		CustomCategories: custom,
	})
	if err != nil {
		return err
	}

	outputKey := "masked/" + job.ID.String() + ".tiff"
	if err := r.buckets.Clean.Upload(ctx, outputKey, result.MaskedBytes, "image/tiff"); err != nil {
		return err
	}
	observability.RecordUploadSize(len(result.MaskedBytes))

	warnings := marshalWarnings(result.Errors)
	if result.UnmaskedBatches > 0 {
		// Fail-open output went up for operator inspection, but the job
		// must read as failed and the PHI input stays for a manual
		// re-run.
		return fmt.Errorf("%d batch(es) passed through unmasked: %w", result.UnmaskedBatches, deid.ErrTerminal)
	}

	// The input is deleted only once the clean artifact exists. A
	// failed delete leaves PHI behind, so it re-runs the attempt rather
	// than completing.
	if err := r.buckets.PHI.Delete(ctx, job.InputKey); err != nil {
		return err
	}

	records := entityRecords(job.ID, result.Matches)
	if err := r.store.CompleteJob(ctx, job.ID, outputKey, result.PagesProcessed, result.EntitiesMasked, result.ProcessingTime.Milliseconds(), warnings, records); err != nil {
		return err
	}
	return nil
}

func (r *Runner) finishFailure(ctx context.Context, jobLog *logger.Logger, job *djobs.DeidJob, cause error, elapsed time.Duration) error {
	msg := truncate(cause.Error(), 2000)

	if Retryable(cause) && job.RetryCount < r.maxRetries {
		retryCount := job.RetryCount + 1
		delay := Backoff(r.retryBase, r.retryCap, job.RetryCount, nil)
		next := time.Now().Add(delay)
		if err := r.store.RequeueForRetry(ctx, job.ID, retryCount, next, msg); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		observability.RecordJobRetry()
		r.publish(ctx, job, djobs.StatusPending, msg)
		jobLog.Warn("Job attempt failed; requeued",
			"error", cause,
			"next_retry_count", retryCount,
			"delay_ms", delay.Milliseconds(),
		)
		return nil
	}

	if err := r.store.FailJob(ctx, job.ID, msg, nil); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	observability.RecordJobOutcome(djobs.StatusFailed, elapsed.Seconds())
	r.publish(ctx, job, djobs.StatusFailed, msg)
	jobLog.Error("Job failed", "error", cause, "retryable", Retryable(cause))
	return nil
}

func (r *Runner) publish(ctx context.Context, job *djobs.DeidJob, status, errMsg string) {
	if r.bus == nil {
		return
	}
	ev := redisclient.JobEvent{
		JobID:      job.ID,
		Status:     status,
		RetryCount: job.RetryCount,
		Error:      errMsg,
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.log.Warn("Could not publish job event", "job_id", job.ID, "status", status, "error", err)
	}
}

// entityRecords flattens matches into rows, one per painted region.
func entityRecords(jobID uuid.UUID, matches []deid.EntityMatch) []*djobs.PHIEntityRecord {
	var out []*djobs.PHIEntityRecord
	for _, m := range matches {
		for _, reg := range m.Regions {
			out = append(out, &djobs.PHIEntityRecord{
				JobID:       jobID,
				Text:        m.Entity.Text,
				Category:    m.Entity.Category,
				Subcategory: m.Entity.Subcategory,
				Page:        reg.Page,
				Confidence:  m.Entity.Confidence,
				Offset:      m.Entity.Offset,
				Length:      m.Entity.Length,
				BboxX:       reg.Box.X,
				BboxY:       reg.Box.Y,
				BboxWidth:   reg.Box.Width,
				BboxHeight:  reg.Box.Height,
			})
		}
	}
	return out
}

func marshalWarnings(warnings []string) []byte {
	if len(warnings) == 0 {
		return nil
	}
	raw, err := json.Marshal(warnings)
	if err != nil {
		return nil
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
