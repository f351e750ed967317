package domain

import "time"

// JobStatus represents the status of a packaging job.
// Values include JobStatusQueued, JobStatusPackaging, JobStatusTesting,
// JobStatusUploading, JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
// and JobStatusDeployed.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusPackaging JobStatus = "packaging"
	JobStatusTesting   JobStatus = "testing"
	JobStatusUploading JobStatus = "uploading"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusDeployed  JobStatus = "deployed"
)

// ActiveJobStatuses are the states in which a job may still be cancelled.
var ActiveJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusPackaging,
	JobStatusTesting,
	JobStatusUploading,
}

// TerminalJobStatuses are the states from which a job may be dismissed.
var TerminalJobStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
	JobStatusDeployed,
}

// IsTerminal reports whether s is a terminal job status.
// Parameters: none.
// Returns:
//   - bool: true if the status is terminal.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusDeployed:
		return true
	}
	return false
}

// PackagingJob represents one attempt to package and deploy a single
// application version to a single tenant.
//
// PackagerID and PackagerHeartbeatAt are set exactly while a worker holds the
// claim on the job; claim exclusivity is enforced by the repository's
// optimistic precondition on Status.
type PackagingJob struct {
	ID                  string          `gorm:"type:text;primaryKey" json:"id"`
	TenantID            string          `gorm:"type:text;not null;index:idx_jobs_tenant" json:"tenant_id"`
	UserID              string          `gorm:"type:text;index:idx_jobs_user" json:"user_id"`
	OrganizationID      string          `gorm:"type:text" json:"organization_id,omitempty"`
	WingetID            string          `gorm:"type:text;not null" json:"winget_id"`
	Version             string          `gorm:"type:text;not null" json:"version"`
	DisplayName         string          `gorm:"type:text" json:"display_name,omitempty"`
	Status              JobStatus       `gorm:"type:text;index:idx_jobs_status;default:queued" json:"status"`
	ProgressPercent     int             `gorm:"default:0" json:"progress_percent"`
	ErrorStage          string          `gorm:"type:text" json:"error_stage,omitempty"`
	ErrorMessage        string          `gorm:"type:text" json:"error_message,omitempty"`
	PackagerID          *string         `gorm:"type:text" json:"packager_id,omitempty"`
	PackagerHeartbeatAt *time.Time      `json:"packager_heartbeat_at,omitempty"`
	ClaimedAt           *time.Time      `json:"claimed_at,omitempty"`
	RunID               string          `gorm:"type:text" json:"run_id,omitempty"`
	RunURL              string          `gorm:"type:text" json:"run_url,omitempty"`
	InstallScope        string          `gorm:"type:text" json:"install_scope,omitempty"`
	BundleKey           string          `gorm:"type:text" json:"bundle_key,omitempty"`
	DetectionRules      DetectionRules  `gorm:"type:text" json:"detection_rules,omitempty"`
	Encryption          *EncryptionInfo `gorm:"type:text" json:"-"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy         string          `gorm:"type:text" json:"cancelled_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// TableName returns the database table name for PackagingJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (PackagingJob) TableName() string {
	return "packaging_jobs"
}
