package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	djobs "github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/repos"
)

// Store is the runner's and worker's view of job persistence. It exists
// so the retry machinery can be tested against an in-memory fake; the
// gorm implementation is a thin composition of the repos with one real
// responsibility, putting the entity insert and the COMPLETE transition
// in a single transaction.
type Store interface {
	CreateJob(ctx context.Context, job *djobs.DeidJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*djobs.DeidJob, error)
	ListJobs(ctx context.Context, status string, page, pageSize int) ([]*djobs.DeidJob, int64, error)
	ClaimNextRunnable(ctx context.Context, staleProcessing time.Duration) (*djobs.DeidJob, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	// CompleteJob commits the terminal success state and the detected
	// entity rows atomically.
	CompleteJob(ctx context.Context, id uuid.UUID, outputKey string, pages, entitiesMasked int, processingMs int64, warnings []byte, entities []*djobs.PHIEntityRecord) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, warnings []byte) error
	RequeueForRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) error
	RequeueFailed(ctx context.Context, id uuid.UUID) error
	ListEntities(ctx context.Context, jobID uuid.UUID) ([]*djobs.PHIEntityRecord, error)
}

type gormStore struct {
	db       *gorm.DB
	jobs     repos.DeidJobRepo
	entities repos.PHIEntityRepo
}

func NewStore(db *gorm.DB, jobRepo repos.DeidJobRepo, entityRepo repos.PHIEntityRepo) Store {
	return &gormStore{db: db, jobs: jobRepo, entities: entityRepo}
}

func (s *gormStore) CreateJob(ctx context.Context, job *djobs.DeidJob) error {
	return s.jobs.Create(ctx, nil, job)
}

func (s *gormStore) GetJob(ctx context.Context, id uuid.UUID) (*djobs.DeidJob, error) {
	return s.jobs.GetByID(ctx, nil, id)
}

func (s *gormStore) ListJobs(ctx context.Context, status string, page, pageSize int) ([]*djobs.DeidJob, int64, error) {
	return s.jobs.List(ctx, nil, status, page, pageSize)
}

func (s *gormStore) ClaimNextRunnable(ctx context.Context, staleProcessing time.Duration) (*djobs.DeidJob, error) {
	return s.jobs.ClaimNextRunnable(ctx, nil, staleProcessing)
}

func (s *gormStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return s.jobs.Heartbeat(ctx, nil, id)
}

func (s *gormStore) CompleteJob(ctx context.Context, id uuid.UUID, outputKey string, pages, entitiesMasked int, processingMs int64, warnings []byte, entities []*djobs.PHIEntityRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.entities.CreateBatch(ctx, tx, entities); err != nil {
			return err
		}
		return s.jobs.MarkComplete(ctx, tx, id, outputKey, pages, entitiesMasked, processingMs, warnings)
	})
}

func (s *gormStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string, warnings []byte) error {
	return s.jobs.MarkFailed(ctx, nil, id, errMsg, warnings)
}

func (s *gormStore) RequeueForRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) error {
	return s.jobs.RequeueForRetry(ctx, nil, id, retryCount, nextAttemptAt, errMsg)
}

func (s *gormStore) RequeueFailed(ctx context.Context, id uuid.UUID) error {
	return s.jobs.RequeueFailed(ctx, nil, id)
}

func (s *gormStore) ListEntities(ctx context.Context, jobID uuid.UUID) ([]*djobs.PHIEntityRecord, error) {
	return s.entities.ListByJob(ctx, nil, jobID)
}
