// Package audit records what the resolver, the tunnels and the reaper did,
// in the database and in the log.
//
// A process normally holds one Auditor, installed with Install. The
// package-level Log* helpers write to it and do nothing when none is
// installed, so one-shot CLI commands can run without a database.
package audit

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/smssh/internal/database"
	"github.com/gluk-w/smssh/internal/logutil"
)

// Event types.
const (
	EventResolution           = "resolution"
	EventTunnelConnected      = "tunnel_connected"
	EventTunnelFailed         = "tunnel_failed"
	EventTunnelDisconnected   = "tunnel_disconnected"
	EventCommandExecution     = "command_execution"
	EventWaitLoopTerminated   = "wait_loop_terminated"
	EventInstanceDeregistered = "instance_deregistered"
	EventReaperRun            = "reaper_run"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields of one audit record.
type Entry struct {
	EventType    string
	InstanceID   string
	ResourceKind string
	ResourceName string
	SessionID    string
	Details      string
	DurationMs   int64
}

// Auditor writes and queries audit records.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor on db. A non-positive retentionDays means
// DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Log records an event.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		CreatedAt:    a.nowFn(),
		EventType:    entry.EventType,
		InstanceID:   entry.InstanceID,
		ResourceKind: entry.ResourceKind,
		ResourceName: entry.ResourceName,
		SessionID:    entry.SessionID,
		Details:      entry.Details,
		DurationMs:   entry.DurationMs,
	}

	a.mu.Lock()
	err := a.db.Create(&record).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s instance=%s resource=%s/%s details=%s",
		entry.EventType,
		entry.InstanceID,
		entry.ResourceKind,
		logutil.SanitizeForLog(entry.ResourceName),
		logutil.OneLine(entry.Details, 300),
	)
	return nil
}

// QueryOptions filters audit records.
type QueryOptions struct {
	EventType    string
	InstanceID   string
	ResourceName string
	SessionID    string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult is one page of audit records, newest first.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns the records matching opts. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.InstanceID != "" {
		tx = tx.Where("instance_id = ?", opts.InstanceID)
	}
	if opts.ResourceName != "" {
		tx = tx.Where("resource_name = ?", opts.ResourceName)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes records older than days, or older than the
// retention period when days is not positive. It returns the number of
// deleted records.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
