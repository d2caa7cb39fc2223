package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey provides durable, DB-backed idempotency for commands and push handlers.
// Unique constraint: (scope, request_key).
type IdempotencyKey struct {
	ID         int               `gorm:"primary_key" json:"id"`
	Scope      string            `gorm:"size:100;not null;uniqueIndex:uniq_idem,priority:1" json:"scope"`
	RequestKey string            `gorm:"size:255;not null;uniqueIndex:uniq_idem,priority:2" json:"request_key"`
	Status     IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	Result     *string           `gorm:"type:text" json:"result"`
	LastError  *string           `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
