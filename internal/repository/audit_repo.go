package repository

import (
	"context"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditRepository handles audit log persistence.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *AuditRepository: repository instance bound to db.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts an audit log entry.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entry: audit record to persist; ID is assigned when empty.
// Returns:
//   - error: non-nil if the insert fails.
func (r *AuditRepository) Record(ctx context.Context, entry *domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByOrganization retrieves an organization's audit entries, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - orgID: organization ID.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.AuditLog: matching audit entries.
//   - error: non-nil if the query fails.
func (r *AuditRepository) ListByOrganization(ctx context.Context, orgID string, limit int) ([]domain.AuditLog, error) {
	var entries []domain.AuditLog
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
