package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const ImportJobTypeOrders = "orders"

const (
	ImportJobStatusPending   = "pending"
	ImportJobStatusRunning   = "running"
	ImportJobStatusPaused    = "paused"
	ImportJobStatusCompleted = "completed"
	ImportJobStatusFailed    = "failed"
	ImportJobStatusCancelled = "cancelled"
)

// ImportJob is the authoritative state of a resumable bulk import.
// ProgressJSON holds an ImportCheckpoint; OptionsJSON holds the job options.
type ImportJob struct {
	ID           string     `gorm:"primary_key;size:36" json:"id"`
	CompanyId    string     `gorm:"size:64;not null;index" json:"company_id"`
	Type         string     `gorm:"size:30;not null" json:"type"`
	Status       string     `gorm:"size:20;not null;index" json:"status"`
	OptionsJSON  []byte     `gorm:"type:json" json:"options"`
	ProgressJSON []byte     `gorm:"type:json" json:"progress"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *ImportJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal reports whether no transition can leave the current status.
func (j *ImportJob) IsTerminal() bool {
	return j.Status == ImportJobStatusCompleted || j.Status == ImportJobStatusCancelled
}

// ImportCheckpoint is the resumable progress snapshot. CurrentPage is always
// the next page to fetch.
type ImportCheckpoint struct {
	CurrentPage    int  `json:"currentPage"`
	CurrentBatch   int  `json:"currentBatch"`
	TotalBatches   int  `json:"totalBatches"`
	ProcessedCount int  `json:"processedCount"`
	GrandTotal     *int `json:"grandTotal"`
	Imported       int  `json:"imported"`
	Updated        int  `json:"updated"`
	Skipped        int  `json:"skipped"`
	Failed         int  `json:"failed"`
}
