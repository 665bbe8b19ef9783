package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DedupWindow is how far back duplicate submissions are rejected.
const DedupWindow = 3 * 24 * time.Hour

var (
	ErrJobNotFound = errors.New("training: job not found")

	// ErrDuplicateJob means an identical (rag config, datasets) submission
	// exists within the dedup window.
	ErrDuplicateJob = errors.New("training: duplicate job configuration")

	// ErrMinionBusy means another job for the same minion is still pending
	// or running.
	ErrMinionBusy = errors.New("training: minion already has an active job")

	errInvalidTransition = errors.New("training: invalid status transition")
)

// Store persists jobs, dataset linkage, and result snapshots.
type Store struct {
	db *gorm.DB
}

// NewStore runs migrations and returns a job store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Job{}, &JobDataset{}, &Result{}); err != nil {
		return nil, fmt.Errorf("training: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Enqueue creates a PENDING job. The dedup scan and the active-job count
// give friendly errors on the common path; neither survives two concurrent
// submissions that both read before either commits, so the authoritative
// guard is the unique index on ActiveMinion: the second racer's insert fails
// and is reported as ErrMinionBusy.
func (s *Store) Enqueue(ctx context.Context, job *Job, datasetIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := time.Now().UTC().Add(-DedupWindow)

		var duplicates int64
		if err := tx.Model(&Job{}).
			Where("minion_id = ? AND config_hash = ? AND created_at >= ?", job.MinionID, job.ConfigHash, cutoff).
			Count(&duplicates).Error; err != nil {
			return fmt.Errorf("training: check duplicates: %w", err)
		}
		if duplicates > 0 {
			return ErrDuplicateJob
		}

		var active int64
		if err := tx.Model(&Job{}).
			Where("minion_id = ? AND status IN ?", job.MinionID, []string{StatusPending, StatusRunning}).
			Count(&active).Error; err != nil {
			return fmt.Errorf("training: check active jobs: %w", err)
		}
		if active > 0 {
			return ErrMinionBusy
		}

		job.Status = StatusPending
		job.Progress = 0
		job.ActiveMinion = &job.MinionID
		if err := tx.Create(job).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrMinionBusy
			}
			return fmt.Errorf("training: create job: %w", err)
		}

		for _, datasetID := range datasetIDs {
			link := JobDataset{JobID: job.ID, DatasetID: datasetID}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("training: link dataset: %w", err)
			}
		}
		return nil
	})
}

// FindDuplicate returns the most recent job matching the config hash within
// the dedup window, or nil.
func (s *Store) FindDuplicate(ctx context.Context, minionID uint64, configHash string) (*Job, error) {
	cutoff := time.Now().UTC().Add(-DedupWindow)
	var job Job
	err := s.db.WithContext(ctx).
		Where("minion_id = ? AND config_hash = ? AND created_at >= ?", minionID, configHash, cutoff).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("training: find duplicate: %w", err)
	}
	return &job, nil
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id uint64) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("training: load job %d: %w", id, err)
	}
	return &job, nil
}

// ListByMinion returns a minion's jobs, newest first.
func (s *Store) ListByMinion(ctx context.Context, minionID uint64) ([]Job, error) {
	var jobs []Job
	if err := s.db.WithContext(ctx).
		Where("minion_id = ?", minionID).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("training: list jobs: %w", err)
	}
	return jobs, nil
}

// DatasetIDs returns the dataset identifiers linked to a job.
func (s *Store) DatasetIDs(ctx context.Context, jobID uint64) ([]string, error) {
	var links []JobDataset
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Find(&links).Error; err != nil {
		return nil, fmt.Errorf("training: load job datasets: %w", err)
	}
	ids := make([]string, 0, len(links))
	for _, link := range links {
		ids = append(ids, link.DatasetID)
	}
	return ids, nil
}

// Transition moves a job to a new status, enforcing the forward-only
// lifecycle inside a transaction. mutate, when non-nil, edits the job row
// before it is saved (error message, timing, results).
func (s *Store) Transition(ctx context.Context, jobID uint64, to string, mutate func(*Job)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("training: load job %d: %w", jobID, err)
		}
		if !CanTransition(job.Status, to) {
			return fmt.Errorf("%w: %s -> %s", errInvalidTransition, job.Status, to)
		}

		job.Status = to
		now := time.Now().UTC()
		switch to {
		case StatusRunning:
			job.StartedAt = &now
		case StatusCompleted, StatusFailed, StatusCancelled:
			job.CompletedAt = &now
			job.ActiveMinion = nil
		}
		if mutate != nil {
			mutate(&job)
		}
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("training: save job %d: %w", jobID, err)
		}
		return nil
	})
}

// UpdateProgress persists the latest progress percentage and step name.
// Last write wins; stale calls after a terminal transition are ignored.
func (s *Store) UpdateProgress(ctx context.Context, jobID uint64, progress float64, step string) error {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusRunning).
		Updates(map[string]any{"progress": progress, "current_step": step})
	if result.Error != nil {
		return fmt.Errorf("training: update progress: %w", result.Error)
	}
	return nil
}

// SaveResult writes the immutable result snapshot for a job, exactly once.
func (s *Store) SaveResult(ctx context.Context, result *Result) error {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&Result{}).
		Where("job_id = ?", result.JobID).Count(&existing).Error; err != nil {
		return fmt.Errorf("training: check existing result: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("training: result for job %d already written", result.JobID)
	}
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("training: save result: %w", err)
	}
	return nil
}

// ResultForJob loads a job's result snapshot, or nil when the pipeline has
// not produced one.
func (s *Store) ResultForJob(ctx context.Context, jobID uint64) (*Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("training: load result: %w", err)
	}
	return &result, nil
}
