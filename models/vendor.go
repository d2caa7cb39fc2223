package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vendor mirrors the external Vendor Master record. ID is the external id.
type Vendor struct {
	ID        string       `gorm:"primary_key;size:100" json:"id"`
	Name      string       `gorm:"size:255;not null" json:"name"`
	Phone     string       `gorm:"size:20" json:"phone"`
	Email     string       `gorm:"size:255" json:"email"`
	IsActive  *bool        `gorm:"not null;default:true" json:"is_active"`
	Rates     []VendorRate `gorm:"foreignKey:VendorId" json:"rates,omitempty"`
	SyncedAt  *time.Time   `json:"synced_at"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type VendorRate struct {
	ID           int             `gorm:"primary_key" json:"id"`
	VendorId     string          `gorm:"size:100;not null;uniqueIndex:idx_vendor_rate_sku,priority:1" json:"vendor_id"`
	Sku          string          `gorm:"size:100;not null;uniqueIndex:idx_vendor_rate_sku,priority:2;index" json:"sku"`
	Rate         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"rate"`
	LeadTimeDays int             `gorm:"not null" json:"lead_time_days"`
	IsPrimary    bool            `gorm:"not null;default:false" json:"is_primary"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
