package database

import "time"

// AuditLog is one recorded resolver, tunnel or reaper event.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	EventType    string    `gorm:"index;not null" json:"event_type"`
	InstanceID   string    `gorm:"index" json:"instance_id,omitempty"`
	ResourceKind string    `json:"resource_kind,omitempty"`
	ResourceName string    `gorm:"index" json:"resource_name,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Details      string    `json:"details,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
