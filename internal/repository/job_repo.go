package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// terminalRetentionWindow is how long finished jobs stay visible in per-user
// listings before they age out.
const terminalRetentionWindow = 7 * 24 * time.Hour

// mandatoryJobColumns is the reduced column set written when the repository
// runs against an older schema without the extended columns.
var mandatoryJobColumns = map[string]bool{
	"status":           true,
	"progress_percent": true,
	"error_stage":      true,
	"error_message":    true,
	"updated_at":       true,
}

// JobRepository handles packaging job persistence. Every state-machine
// significant write goes through a precondition-guarded update: the write is
// conditioned on the previously observed status (or owner) and a zero-row
// result means the caller lost the race, never that the table is corrupted.
type JobRepository struct {
	db              *gorm.DB
	extendedColumns bool
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db, extended columns on.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db, extendedColumns: true}
}

// SetExtendedColumns toggles the extended-schema capability flag. When
// disabled, Update strips every non-mandatory column from the field set
// before writing, for deployments still running the reduced job schema.
// Parameters:
//   - enabled: whether the full column set may be written.
// Returns: none.
func (r *JobRepository) SetExtendedColumns(enabled bool) {
	r.extendedColumns = enabled
}

// Create inserts a new job in queued state with zero progress.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist; ID is assigned when empty.
// Returns:
//   - *domain.PackagingJob: the stored record.
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.PackagingJob) (*domain.PackagingJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = domain.JobStatusQueued
	job.ProgressPercent = 0
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create packaging job: %w", err)
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.PackagingJob: job record if found.
//   - error: non-nil if lookup fails.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.PackagingJob, error) {
	var job domain.PackagingJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByUserID retrieves a user's jobs, newest first, excluding terminal jobs
// older than the retention window.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: creating user's ID.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.PackagingJob: matching job records.
//   - error: non-nil if the query fails.
func (r *JobRepository) GetByUserID(ctx context.Context, userID string, limit int) ([]domain.PackagingJob, error) {
	cutoff := time.Now().UTC().Add(-terminalRetentionWindow)
	var jobs []domain.PackagingJob
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("(status NOT IN ? OR updated_at >= ?)", domain.TerminalJobStatuses, cutoff).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetByStatus retrieves jobs in the given status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: job status to filter by.
//   - limit: maximum number of records to return.
//   - order: "asc" for oldest first, anything else for newest first.
// Returns:
//   - []domain.PackagingJob: matching job records.
//   - error: non-nil if the query fails.
func (r *JobRepository) GetByStatus(ctx context.Context, status domain.JobStatus, limit int, order string) ([]domain.PackagingJob, error) {
	orderBy := "created_at DESC"
	if order == "asc" {
		orderBy = "created_at ASC"
	}
	var jobs []domain.PackagingJob
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order(orderBy).
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Update applies fields to a job, optionally guarded by preconditions on
// current column values. A guarded update that matches zero rows returns
// gorm.ErrRecordNotFound; callers treat that as having lost the race.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - fields: column name to value map to apply.
//   - preconds: column name to expected current value map; nil for none.
// Returns:
//   - error: gorm.ErrRecordNotFound on a precondition miss, other non-nil on
//     query failure.
func (r *JobRepository) Update(ctx context.Context, id string, fields map[string]interface{}, preconds map[string]interface{}) error {
	if !r.extendedColumns {
		reduced := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			if mandatoryJobColumns[k] {
				reduced[k] = v
			}
		}
		fields = reduced
	}
	if len(fields) == 0 {
		return nil
	}

	tx := r.db.WithContext(ctx).Model(&domain.PackagingJob{}).Where("id = ?", id)
	for col, val := range preconds {
		tx = tx.Where(col+" = ?", val)
	}
	res := tx.Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Claim atomically assigns a queued job to a worker. The claim is conditioned
// on status still being queued; exactly one concurrent claimant wins.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to claim.
//   - workerID: claimant identity.
// Returns:
//   - *domain.PackagingJob: the claimed job, or nil when another worker
//     already claimed it (not an error).
//   - error: non-nil only on query failure.
func (r *JobRepository) Claim(ctx context.Context, jobID, workerID string) (*domain.PackagingJob, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.PackagingJob{}).
		Where("id = ? AND status = ?", jobID, domain.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":                domain.JobStatusPackaging,
			"packager_id":           workerID,
			"packager_heartbeat_at": now,
			"claimed_at":            now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; someone else got it.
		return nil, nil
	}
	return r.GetByID(ctx, jobID)
}

// Heartbeat advances the claim liveness timestamp, guarded by ownership.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: claimed job ID.
//   - workerID: owning worker identity.
// Returns:
//   - error: gorm.ErrRecordNotFound if the worker no longer owns the job.
func (r *JobRepository) Heartbeat(ctx context.Context, jobID, workerID string) error {
	res := r.db.WithContext(ctx).Model(&domain.PackagingJob{}).
		Where("id = ? AND packager_id = ?", jobID, workerID).
		Update("packager_heartbeat_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Release returns a claimed job to queued, guarded by ownership so a worker
// cannot release a job it does not hold.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: claimed job ID.
//   - workerID: owning worker identity.
// Returns:
//   - error: gorm.ErrRecordNotFound if the worker no longer owns the job.
func (r *JobRepository) Release(ctx context.Context, jobID, workerID string) error {
	res := r.db.WithContext(ctx).Model(&domain.PackagingJob{}).
		Where("id = ? AND packager_id = ?", jobID, workerID).
		Updates(map[string]interface{}{
			"status":                domain.JobStatusQueued,
			"packager_id":           nil,
			"packager_heartbeat_at": nil,
			"claimed_at":            nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ForceRelease unconditionally returns a job to queued. Used only by the
// staleness sweep; normal workers go through Release.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
// Returns:
//   - error: non-nil if the update fails.
func (r *JobRepository) ForceRelease(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Model(&domain.PackagingJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":                domain.JobStatusQueued,
			"packager_id":           nil,
			"packager_heartbeat_at": nil,
			"claimed_at":            nil,
		}).Error
}

// GetStaleJobs retrieves claimed jobs whose heartbeat has not advanced past
// the threshold.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - threshold: heartbeats strictly older than this are stale.
// Returns:
//   - []domain.PackagingJob: stale claimed jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) GetStaleJobs(ctx context.Context, threshold time.Time) ([]domain.PackagingJob, error) {
	var jobs []domain.PackagingJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND packager_heartbeat_at < ?", domain.JobStatusPackaging, threshold).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteByID hard-deletes a job, first nulling any batch item reference so
// the item row is not left pointing at a missing job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID to delete.
// Returns:
//   - error: non-nil if the delete fails.
func (r *JobRepository) DeleteByID(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.BatchDeploymentItem{}).
			Where("packaging_job_id = ?", id).
			Update("packaging_job_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.PackagingJob{}, "id = ?", id).Error
	})
}

// DeleteByUserIDAndStatuses hard-deletes a user's jobs in the given statuses,
// nulling batch item references first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: creating user's ID.
//   - statuses: job statuses eligible for deletion.
// Returns:
//   - int64: number of jobs deleted.
//   - error: non-nil if the delete fails.
func (r *JobRepository) DeleteByUserIDAndStatuses(ctx context.Context, userID string, statuses []domain.JobStatus) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.PackagingJob{}).
			Where("user_id = ? AND status IN ?", userID, statuses).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&domain.BatchDeploymentItem{}).
			Where("packaging_job_id IN ?", ids).
			Update("packaging_job_id", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.PackagingJob{}, "id IN ?", ids)
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
