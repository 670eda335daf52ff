package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

type DeidJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *jobs.DeidJob) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*jobs.DeidJob, error)
	List(ctx context.Context, tx *gorm.DB, status string, page, pageSize int) ([]*jobs.DeidJob, int64, error)
	// ClaimNextRunnable locks and transitions the oldest runnable job to
	// processing in one transaction. Runnable means pending with its
	// backoff window elapsed, or processing with a heartbeat stale enough
	// to assume the owning worker died.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleProcessing time.Duration) (*jobs.DeidJob, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// MarkComplete writes the terminal success state. The caller wraps it
	// in the same transaction as the entity-row insert.
	MarkComplete(ctx context.Context, tx *gorm.DB, id uuid.UUID, outputKey string, pages, entitiesMasked int, processingMs int64, warnings []byte) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string, warnings []byte) error
	// RequeueForRetry puts a processing job back in the queue with its
	// bumped retry count and the next delivery time.
	RequeueForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) error
	// RequeueFailed is the operator path: a failed job back to pending
	// with a fresh retry budget.
	RequeueFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type deidJobRepo struct {
	db            *gorm.DB
	log           *logger.Logger
	useSkipLocked bool
}

// NewDeidJobRepo builds the job repo. useSkipLocked must be false for
// drivers without FOR UPDATE SKIP LOCKED (sqlite dev mode); claiming is
// then only safe with a single worker process.
func NewDeidJobRepo(db *gorm.DB, baseLog *logger.Logger, useSkipLocked bool) DeidJobRepo {
	return &deidJobRepo{
		db:            db,
		log:           baseLog.With("repo", "DeidJobRepo"),
		useSkipLocked: useSkipLocked,
	}
}

func (r *deidJobRepo) Create(ctx context.Context, tx *gorm.DB, job *jobs.DeidJob) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil
	}
	return transaction.WithContext(ctx).Create(job).Error
}

func (r *deidJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*jobs.DeidJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job jobs.DeidJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *deidJobRepo) List(ctx context.Context, tx *gorm.DB, status string, page, pageSize int) ([]*jobs.DeidJob, int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	q := transaction.WithContext(ctx).Model(&jobs.DeidJob{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*jobs.DeidJob
	if err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *deidJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleProcessing time.Duration) (*jobs.DeidJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleProcessing)
	var claimed *jobs.DeidJob
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job jobs.DeidJob
		q := txx.Model(&jobs.DeidJob{})
		if r.useSkipLocked {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where(`
			(
				status = ?
				AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			)
			OR (
				status = ?
				AND heartbeat_at IS NOT NULL
				AND heartbeat_at < ?
			)
		`, jobs.StatusPending, now, jobs.StatusProcessing, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&jobs.DeidJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       jobs.StatusProcessing,
				"started_at":   now,
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = jobs.StatusProcessing
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *deidJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&jobs.DeidJob{}).
		Where("id = ? AND status = ?", id, jobs.StatusProcessing).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *deidJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&jobs.DeidJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *deidJobRepo) MarkComplete(ctx context.Context, tx *gorm.DB, id uuid.UUID, outputKey string, pages, entitiesMasked int, processingMs int64, warnings []byte) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":              jobs.StatusComplete,
		"output_key":          outputKey,
		"pages_processed":     pages,
		"phi_entities_masked": entitiesMasked,
		"processing_time_ms":  processingMs,
		"error_message":       "",
		"completed_at":        now,
		"locked_at":           nil,
		"next_attempt_at":     nil,
		"updated_at":          now,
	}
	if len(warnings) > 0 {
		updates["warnings"] = warnings
	}
	res := transaction.WithContext(ctx).
		Model(&jobs.DeidJob{}).
		Where("id = ? AND status = ?", id, jobs.StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *deidJobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string, warnings []byte) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":          jobs.StatusFailed,
		"error_message":   errMsg,
		"completed_at":    now,
		"locked_at":       nil,
		"next_attempt_at": nil,
		"updated_at":      now,
	}
	if len(warnings) > 0 {
		updates["warnings"] = warnings
	}
	return transaction.WithContext(ctx).
		Model(&jobs.DeidJob{}).
		Where("id = ? AND status <> ?", id, jobs.StatusComplete).
		Updates(updates).Error
}

func (r *deidJobRepo) RequeueForRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&jobs.DeidJob{}).
		Where("id = ? AND status = ?", id, jobs.StatusProcessing).
		Updates(map[string]interface{}{
			"status":          jobs.StatusPending,
			"retry_count":     retryCount,
			"next_attempt_at": nextAttemptAt,
			"error_message":   errMsg,
			"locked_at":       nil,
			"heartbeat_at":    nil,
			"updated_at":      now,
		}).Error
}

func (r *deidJobRepo) RequeueFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&jobs.DeidJob{}).
		Where("id = ? AND status = ?", id, jobs.StatusFailed).
		Updates(map[string]interface{}{
			"status":          jobs.StatusPending,
			"retry_count":     0,
			"error_message":   "",
			"next_attempt_at": nil,
			"locked_at":       nil,
			"heartbeat_at":    nil,
			"completed_at":    nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
