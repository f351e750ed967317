package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BatchRepository handles batch deployment and batch item persistence. The
// pending-to-in_progress and in_progress-to-terminal transitions are guarded
// on the prior status so overlapping orchestrator passes cannot clobber each
// other or double-finish a batch.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *BatchRepository: repository instance bound to db.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// CreateWithItems inserts a batch and one pending item per tenant in a single
// transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: batch record to persist; ID is assigned when empty.
//   - tenantIDs: target tenants, one item each.
// Returns:
//   - *domain.BatchDeployment: the stored batch.
//   - error: non-nil if the insert fails.
func (r *BatchRepository) CreateWithItems(ctx context.Context, batch *domain.BatchDeployment, tenantIDs []string) (*domain.BatchDeployment, error) {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	batch.Status = domain.BatchStatusPending
	batch.TotalTenants = len(tenantIDs)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		for _, tenantID := range tenantIDs {
			item := &domain.BatchDeploymentItem{
				ID:       uuid.New().String(),
				BatchID:  batch.ID,
				TenantID: tenantID,
				Status:   domain.ItemStatusPending,
			}
			if err := tx.Create(item).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch deployment: %w", err)
	}
	return batch, nil
}

// GetByID retrieves a batch by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
// Returns:
//   - *domain.BatchDeployment: batch record if found.
//   - error: non-nil if lookup fails.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*domain.BatchDeployment, error) {
	var batch domain.BatchDeployment
	if err := r.db.WithContext(ctx).First(&batch, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListByStatus retrieves batches in the given status, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: batch status to filter by.
// Returns:
//   - []domain.BatchDeployment: matching batch records.
//   - error: non-nil if the query fails.
func (r *BatchRepository) ListByStatus(ctx context.Context, status domain.BatchStatus) ([]domain.BatchDeployment, error) {
	var batches []domain.BatchDeployment
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// ListByOrganization retrieves an organization's batches, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - orgID: organization ID.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.BatchDeployment: matching batch records.
//   - error: non-nil if the query fails.
func (r *BatchRepository) ListByOrganization(ctx context.Context, orgID string, limit int) ([]domain.BatchDeployment, error) {
	var batches []domain.BatchDeployment
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Limit(limit).
		Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// MarkInProgress applies the guarded pending-to-in_progress transition.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
// Returns:
//   - bool: true if this call performed the transition; false when another
//     pass (or a cancellation) got there first.
//   - error: non-nil on query failure.
func (r *BatchRepository) MarkInProgress(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.BatchDeployment{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.BatchStatusInProgress,
			"started_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Finish applies the guarded in_progress-to-terminal transition together with
// the final aggregate counts. The guard keeps a concurrently cancelled batch
// from being overwritten and makes the completion side effects
// (notification, audit) single-shot.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
//   - final: terminal status to apply (completed or failed).
//   - completed: completed tenant count.
//   - failed: failed tenant count.
// Returns:
//   - bool: true if this call performed the transition.
//   - error: non-nil on query failure.
func (r *BatchRepository) Finish(ctx context.Context, id string, final domain.BatchStatus, completed, failed int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.BatchDeployment{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusInProgress).
		Updates(map[string]interface{}{
			"status":            final,
			"completed_tenants": completed,
			"failed_tenants":    failed,
			"completed_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Cancel forces a batch in either active state to cancelled.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
// Returns:
//   - bool: true if this call performed the transition.
//   - error: non-nil on query failure.
func (r *BatchRepository) Cancel(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.BatchDeployment{}).
		Where("id = ? AND status IN ?", id, []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusInProgress}).
		Updates(map[string]interface{}{
			"status":       domain.BatchStatusCancelled,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateCounts persists the running aggregate counts on a batch.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
//   - completed: completed tenant count.
//   - failed: failed tenant count.
// Returns:
//   - error: non-nil if the update fails.
func (r *BatchRepository) UpdateCounts(ctx context.Context, id string, completed, failed int) error {
	return r.db.WithContext(ctx).Model(&domain.BatchDeployment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_tenants": completed,
			"failed_tenants":    failed,
		}).Error
}

// GetItem retrieves a batch item by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
// Returns:
//   - *domain.BatchDeploymentItem: item record if found.
//   - error: non-nil if lookup fails.
func (r *BatchRepository) GetItem(ctx context.Context, id string) (*domain.BatchDeploymentItem, error) {
	var item domain.BatchDeploymentItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems retrieves all items of a batch in creation order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
// Returns:
//   - []domain.BatchDeploymentItem: the batch's items.
//   - error: non-nil if the query fails.
func (r *BatchRepository) ListItems(ctx context.Context, batchID string) ([]domain.BatchDeploymentItem, error) {
	var items []domain.BatchDeploymentItem
	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// PendingItems retrieves up to limit pending items of a batch, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - limit: maximum number of items to return.
// Returns:
//   - []domain.BatchDeploymentItem: pending items in creation order.
//   - error: non-nil if the query fails.
func (r *BatchRepository) PendingItems(ctx context.Context, batchID string, limit int) ([]domain.BatchDeploymentItem, error) {
	var items []domain.BatchDeploymentItem
	if err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, domain.ItemStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// CountItemsByStatus counts a batch's items in the given status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - status: item status to count.
// Returns:
//   - int64: number of matching items.
//   - error: non-nil if the query fails.
func (r *BatchRepository) CountItemsByStatus(ctx context.Context, batchID string, status domain.ItemStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.BatchDeploymentItem{}).
		Where("batch_id = ? AND status = ?", batchID, status).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateItem applies fields to a batch item.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - fields: column name to value map to apply.
// Returns:
//   - error: non-nil if the update fails.
func (r *BatchRepository) UpdateItem(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&domain.BatchDeploymentItem{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// FindItemByJobID retrieves the batch item linked to a packaging job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: packaging job ID.
// Returns:
//   - *domain.BatchDeploymentItem: linked item, or gorm.ErrRecordNotFound
//     when the job was created outside batch context.
//   - error: non-nil if lookup fails.
func (r *BatchRepository) FindItemByJobID(ctx context.Context, jobID string) (*domain.BatchDeploymentItem, error) {
	var item domain.BatchDeploymentItem
	if err := r.db.WithContext(ctx).First(&item, "packaging_job_id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// StaleInProgressItems retrieves a batch's in-flight items started before the
// given instant.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - before: items started strictly before this are stale.
// Returns:
//   - []domain.BatchDeploymentItem: stale in-flight items.
//   - error: non-nil if the query fails.
func (r *BatchRepository) StaleInProgressItems(ctx context.Context, batchID string, before time.Time) ([]domain.BatchDeploymentItem, error) {
	var items []domain.BatchDeploymentItem
	if err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ? AND started_at < ?", batchID, domain.ItemStatusInProgress, before).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
