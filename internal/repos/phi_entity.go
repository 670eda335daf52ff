package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

type PHIEntityRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, records []*jobs.PHIEntityRecord) error
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*jobs.PHIEntityRecord, error)
}

type phiEntityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPHIEntityRepo(db *gorm.DB, baseLog *logger.Logger) PHIEntityRepo {
	return &phiEntityRepo{
		db:  db,
		log: baseLog.With("repo", "PHIEntityRepo"),
	}
}

func (r *phiEntityRepo) CreateBatch(ctx context.Context, tx *gorm.DB, records []*jobs.PHIEntityRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
	}
	return transaction.WithContext(ctx).CreateInBatches(&records, 500).Error
}

func (r *phiEntityRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*jobs.PHIEntityRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*jobs.PHIEntityRecord
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("page ASC, \"offset\" ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
