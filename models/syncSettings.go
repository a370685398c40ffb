package models

import "time"

const (
	SyncStatusIdle    = "idle"
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// SyncSettings is the per-company store connection. Secrets never leave the
// service in JSON.
type SyncSettings struct {
	ID                  uint          `gorm:"primary_key" json:"id"`
	CompanyId           string        `gorm:"size:64;not null;uniqueIndex" json:"company_id"`
	StoreUrl            string        `gorm:"size:255;not null" json:"store_url"`
	ConsumerKey         string        `gorm:"size:255" json:"consumer_key"`
	ConsumerSecret      string        `gorm:"type:text" json:"-"`
	SyncEnabled         bool          `gorm:"not null;default:false" json:"sync_enabled"`
	SyncDirection       SyncDirection `gorm:"size:20;not null;default:'both'" json:"sync_direction"`
	SyncIntervalMinutes int           `gorm:"not null;default:15" json:"sync_interval_minutes"`
	WebhookEnabled      bool          `gorm:"not null;default:false" json:"webhook_enabled"`
	WebhookSecret       string        `gorm:"type:text" json:"-"`
	StatusMappingJSON   []byte        `gorm:"type:json" json:"status_mapping"`
	LastSyncAt          *time.Time    `json:"last_sync_at"`
	LastSyncStatus      string        `gorm:"size:20" json:"last_sync_status"`
	LastSyncMessage     string        `gorm:"type:text" json:"last_sync_message"`
	CreatedAt           time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncSettings) TableName() string {
	return "sync_settings"
}
