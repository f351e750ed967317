package domain

import "time"

// AuditLog records one significant state change for later review. Writes are
// fire-and-forget; a failed audit insert never fails the operation it
// describes.
type AuditLog struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:text;index:idx_audit_org" json:"organization_id"`
	Actor          string    `gorm:"type:text" json:"actor,omitempty"`
	EventType      string    `gorm:"type:text;not null" json:"event_type"`
	ResourceType   string    `gorm:"type:text" json:"resource_type,omitempty"`
	ResourceID     string    `gorm:"type:text;index:idx_audit_resource" json:"resource_id,omitempty"`
	Detail         string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for AuditLog.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (AuditLog) TableName() string {
	return "audit_logs"
}
