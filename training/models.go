package training

import (
	"time"

	"gorm.io/datatypes"
)

// Job statuses. Transitions are forward only: a job never leaves
// COMPLETED, FAILED, or CANCELLED.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// CanTransition reports whether a status change respects the forward-only
// lifecycle PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// IsTerminal reports whether a job in this status will never change again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Job is one RAG training run for a minion. ConfigHash fingerprints the
// RAG configuration plus the selected dataset identifiers and backs
// duplicate-submission detection.
type Job struct {
	ID          uint64  `gorm:"primaryKey" json:"id"`
	UserID      uint64  `gorm:"not null;index" json:"user_id"`
	MinionID    uint64  `gorm:"not null;index" json:"minion_id"`
	JobName     string  `gorm:"size:255;not null" json:"job_name"`
	Description *string `gorm:"type:text" json:"description,omitempty"`

	Status       string  `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	Progress     float64 `gorm:"not null;default:0" json:"progress"`
	CurrentStep  string  `gorm:"size:50;not null;default:''" json:"current_step"`
	ErrorMessage *string `gorm:"type:text" json:"error_message,omitempty"`

	// ActiveMinion mirrors MinionID while the job is PENDING or RUNNING and
	// is cleared on terminal transitions. Its unique index enforces one
	// active job per minion even when two submissions race past the
	// application-level checks and commit concurrently.
	ActiveMinion *uint64 `gorm:"uniqueIndex" json:"-"`

	ConfigHash string         `gorm:"size:64;not null;index" json:"config_hash"`
	RAGConfig  datatypes.JSON `gorm:"type:json" json:"rag_config,omitempty"`

	CollectionName string  `gorm:"size:255;not null;default:''" json:"collection_name,omitempty"`
	XPGained       int     `gorm:"not null;default:0" json:"xp_gained"`
	LevelUpInfo    datatypes.JSON `gorm:"type:json" json:"level_up_info,omitempty"`
	ProcessingTime float64 `gorm:"not null;default:0" json:"processing_time"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Job) TableName() string {
	return "training_jobs"
}

// JobDataset links a job to one selected dataset identifier. The identifier
// is either a stored dataset name or an uploaded-file object key.
type JobDataset struct {
	ID        uint64 `gorm:"primaryKey" json:"id"`
	JobID     uint64 `gorm:"not null;index" json:"job_id"`
	DatasetID string `gorm:"size:500;not null" json:"dataset_id"`
}

func (JobDataset) TableName() string {
	return "training_job_datasets"
}

// Result is the immutable per-job outcome snapshot, written exactly once
// when the pipeline finishes.
type Result struct {
	ID       uint64 `gorm:"primaryKey" json:"id"`
	JobID    uint64 `gorm:"not null;uniqueIndex" json:"job_id"`
	MinionID uint64 `gorm:"not null;index" json:"minion_id"`

	BeforeMetrics     datatypes.JSON `gorm:"type:json" json:"before_metrics,omitempty"`
	AfterMetrics      datatypes.JSON `gorm:"type:json" json:"after_metrics,omitempty"`
	Improvements      datatypes.JSON `gorm:"type:json" json:"improvements,omitempty"`
	RefinementStats   datatypes.JSON `gorm:"type:json" json:"refinement_stats,omitempty"`
	ValidationResults datatypes.JSON `gorm:"type:json" json:"validation_results,omitempty"`
	TestResults       datatypes.JSON `gorm:"type:json" json:"test_results,omitempty"`

	XPGained  int       `gorm:"not null;default:0" json:"xp_gained"`
	CreatedAt time.Time `json:"created_at"`
}

func (Result) TableName() string {
	return "training_results"
}
