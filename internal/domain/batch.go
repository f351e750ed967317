package domain

import "time"

// BatchStatus represents the status of a batch deployment.
// Values include BatchStatusPending, BatchStatusInProgress,
// BatchStatusCompleted, BatchStatusFailed, and BatchStatusCancelled.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// ItemStatus represents the status of a single tenant slot within a batch.
// Values include ItemStatusPending, ItemStatusInProgress, ItemStatusCompleted,
// ItemStatusFailed, and ItemStatusSkipped.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusSkipped    ItemStatus = "skipped"
)

// Batch concurrency limits. A batch admits between MinConcurrency and
// MaxConcurrency simultaneously in-flight items.
const (
	MinConcurrency = 1
	MaxConcurrency = 10
)

// BatchDeployment represents one logical "deploy app X version V to tenant
// set T" request.
//
// Status is in_progress exactly while at least one item is pending or
// in-flight. The terminal status is failed only when every item resolved to
// failed or skipped; a single success makes the batch completed.
type BatchDeployment struct {
	ID               string      `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID   string      `gorm:"type:text;not null;index:idx_batches_org" json:"organization_id"`
	WingetID         string      `gorm:"type:text;not null" json:"winget_id"`
	Version          string      `gorm:"type:text;not null" json:"version"`
	DisplayName      string      `gorm:"type:text" json:"display_name,omitempty"`
	Status           BatchStatus `gorm:"type:text;index:idx_batches_status;default:pending" json:"status"`
	TotalTenants     int         `gorm:"default:0" json:"total_tenants"`
	CompletedTenants int         `gorm:"default:0" json:"completed_tenants"`
	FailedTenants    int         `gorm:"default:0" json:"failed_tenants"`
	ConcurrencyLimit int         `gorm:"default:3" json:"concurrency_limit"`
	CreatedBy        string      `gorm:"type:text" json:"created_by,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName returns the database table name for BatchDeployment.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (BatchDeployment) TableName() string {
	return "batch_deployments"
}

// BatchDeploymentItem represents one tenant's slot within a batch.
//
// PackagingJobID is set exactly when a job was actually created for the item;
// items failing pre-flight checks (missing installer metadata, missing
// consent) resolve without a job.
type BatchDeploymentItem struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	BatchID        string     `gorm:"type:text;not null;index:idx_items_batch" json:"batch_id"`
	TenantID       string     `gorm:"type:text;not null" json:"tenant_id"`
	Status         ItemStatus `gorm:"type:text;index:idx_items_status;default:pending" json:"status"`
	PackagingJobID *string    `gorm:"type:text;index:idx_items_job" json:"packaging_job_id,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for BatchDeploymentItem.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (BatchDeploymentItem) TableName() string {
	return "batch_deployment_items"
}
