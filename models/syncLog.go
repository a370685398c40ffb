package models

import "time"

// Ledger entry types.
const (
	SyncLogTypeOrderImport = "order_import"
	SyncLogTypeOrderExport = "order_export"
	SyncLogTypeWebhook     = "webhook"
	SyncLogTypeAutoSync    = "auto_sync"
	SyncLogTypeBatchImport = "batch_import"
)

const (
	SyncLogDirectionImport = "import"
	SyncLogDirectionExport = "export"
)

const (
	SyncLogStatusInProgress = "in_progress"
	SyncLogStatusSuccess    = "success"
	SyncLogStatusPartial    = "partial"
	SyncLogStatusFailed     = "failed"
)

// SyncLog is one sync attempt. Created in_progress and sealed exactly once
// by setting CompletedAt.
type SyncLog struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	CompanyId    string     `gorm:"size:64;not null;index:idx_sync_logs_company_started,priority:1" json:"company_id"`
	Type         string     `gorm:"size:30;not null;index" json:"type"`
	Direction    string     `gorm:"size:10;not null" json:"direction"`
	Status       string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	Reference    string     `gorm:"size:100" json:"reference"`
	TotalItems   int        `json:"total_items"`
	SuccessCount int        `json:"success_count"`
	FailedCount  int        `json:"failed_count"`
	SkippedCount int        `json:"skipped_count"`
	StartedAt    time.Time  `gorm:"not null;index:idx_sync_logs_company_started,priority:2" json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
}
