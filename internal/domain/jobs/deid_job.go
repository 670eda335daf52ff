package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// DeidJob is the durable record for one de-identification run. The row
// is the unit of delivery: workers claim it with FOR UPDATE SKIP LOCKED,
// and every status transition commits before the next stage runs.
type DeidJob struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"job_id"`
	Status string    `gorm:"column:status;not null;index" json:"status"`

	OCRProvider      string         `gorm:"column:ocr_provider;not null" json:"ocr_provider"`
	PHIProvider      string         `gorm:"column:phi_provider;not null" json:"phi_provider"`
	MaskingLevel     string         `gorm:"column:masking_level;not null" json:"masking_level"`
	CustomCategories datatypes.JSON `gorm:"column:custom_categories;type:jsonb" json:"custom_categories,omitempty"`

	InputKey         string `gorm:"column:input_key;not null" json:"input_key"`
	OutputKey        string `gorm:"column:output_key" json:"output_key,omitempty"`
	OriginalFilename string `gorm:"column:original_filename" json:"original_filename,omitempty"`
	ContentType      string `gorm:"column:content_type" json:"content_type,omitempty"`

	PagesProcessed    int            `gorm:"column:pages_processed;not null;default:0" json:"pages_processed"`
	PHIEntitiesMasked int            `gorm:"column:phi_entities_masked;not null;default:0" json:"phi_entities_masked"`
	ProcessingTimeMs  int64          `gorm:"column:processing_time_ms;not null;default:0" json:"processing_time_ms"`
	ErrorMessage      string         `gorm:"column:error_message" json:"error_message,omitempty"`
	RetryCount        int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Warnings          datatypes.JSON `gorm:"column:warnings;type:jsonb" json:"warnings,omitempty"`

	NextAttemptAt *time.Time `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`
	LockedAt      *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt   *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`

	CreatedAt   time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()" json:"updated_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (DeidJob) TableName() string { return "deid_job" }

// Terminal reports whether the job has reached a final state.
func (j *DeidJob) Terminal() bool {
	return j.Status == StatusComplete || j.Status == StatusFailed
}

// PHIEntityRecord is one persisted detection, written in the same
// transaction as the COMPLETE transition. Rows cascade-delete with
// their job.
type PHIEntityRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	Text        string    `gorm:"column:text" json:"text,omitempty"`
	Category    string    `gorm:"column:category;not null;index" json:"category"`
	Subcategory string    `gorm:"column:subcategory" json:"subcategory,omitempty"`
	Page        int       `gorm:"column:page;not null" json:"page"`
	Confidence  float64   `gorm:"column:confidence;not null" json:"confidence"`
	Offset      int       `gorm:"column:offset;not null" json:"offset"`
	Length      int       `gorm:"column:length;not null" json:"length"`
	BboxX       float64   `gorm:"column:bbox_x;not null" json:"bbox_x"`
	BboxY       float64   `gorm:"column:bbox_y;not null" json:"bbox_y"`
	BboxWidth   float64   `gorm:"column:bbox_width;not null" json:"bbox_width"`
	BboxHeight  float64   `gorm:"column:bbox_height;not null" json:"bbox_height"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (PHIEntityRecord) TableName() string { return "phi_entity" }
