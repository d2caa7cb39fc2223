package models

import "time"

// SyncQueueItem is a failed outbound call kept for retry.
type SyncQueueItem struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Service       SyncService `gorm:"size:30;index;not null" json:"service"`
	Reference     string      `gorm:"size:255;index" json:"reference"`
	Payload       string      `gorm:"type:text" json:"payload"`
	Status        SyncStatus  `gorm:"size:20;index;not null" json:"status"`
	RetryCount    int         `gorm:"not null;default:0" json:"retry_count"`
	LastError     *string     `gorm:"type:text" json:"last_error"`
	NextAttemptAt *time.Time  `gorm:"index" json:"next_attempt_at"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncCursor remembers how far a pull-based sync has read.
type SyncCursor struct {
	Service   SyncService `gorm:"primary_key;size:30" json:"service"`
	Cursor    string      `gorm:"size:255" json:"cursor"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
