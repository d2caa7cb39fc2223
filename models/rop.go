package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ROPItem is the reorder-point recommendation for one SKU from one calculation run.
type ROPItem struct {
	ID                int              `gorm:"primary_key" json:"id"`
	Sku               string           `gorm:"size:100;index;not null" json:"sku"`
	AverageDailyUsage decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"average_daily_usage"`
	MaximumDailyUsage decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"maximum_daily_usage"`
	LeadTimeDays      int              `gorm:"not null" json:"lead_time_days"`
	LeadTimeDemand    decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"lead_time_demand"`
	SafetyStock       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"safety_stock"`
	Rop               decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"rop"`
	CurrentStock      decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"current_stock"`
	PendingQuantity   decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"pending_quantity"`
	YetToBeReceived   decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"yet_to_be_received"`
	SuggestedQuantity decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"suggested_quantity"`
	AdjustedQuantity  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"adjusted_quantity"`
	PrimaryVendorId   *string          `gorm:"size:100" json:"primary_vendor_id"`
	VendorSplits      []ROPVendorSplit `gorm:"foreignKey:ROPItemId" json:"vendor_splits"`
	Status            ROPStatus        `gorm:"size:20;index;not null" json:"status"`
	CalculationId     string           `gorm:"size:36;index" json:"calculation_id"`
	Version           int              `gorm:"not null;default:0" json:"version"`
	PurchaseOrderIds  []int            `gorm:"-" json:"purchase_order_ids"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveQuantity is the operator override when present, else the suggestion.
func (r ROPItem) EffectiveQuantity() decimal.Decimal {
	if r.AdjustedQuantity != nil {
		return *r.AdjustedQuantity
	}
	return r.SuggestedQuantity
}

type ROPVendorSplit struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ROPItemId int             `gorm:"index;not null" json:"rop_item_id"`
	VendorId  string          `gorm:"size:100;not null" json:"vendor_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Rate      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"rate"`
}

type NewVendorSplit struct {
	VendorId string          `json:"vendor_id" binding:"required" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
}

// CalculationRun identifies one replenishment calculation job.
type CalculationRun struct {
	ID         string            `gorm:"primary_key;size:36" json:"id"`
	Status     CalculationStatus `gorm:"size:20;index;not null" json:"status"`
	StartedAt  time.Time         `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
	ItemCount  int               `json:"item_count"`
	Error      *string           `gorm:"type:text" json:"error"`
}

// SkuUsage is one day of consumption for a SKU, unique per (sku, usage_date).
type SkuUsage struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Sku       string          `gorm:"size:100;not null;uniqueIndex:idx_sku_usage_day,priority:1" json:"sku"`
	UsageDate time.Time       `gorm:"not null;uniqueIndex:idx_sku_usage_day,priority:2;index" json:"usage_date"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type UsageRecord struct {
	Sku      string          `json:"sku" binding:"required" validate:"required"`
	Date     time.Time       `json:"date" binding:"required" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}
