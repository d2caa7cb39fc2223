package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CycleCountSession struct {
	ID         string            `gorm:"primary_key;size:36" json:"id"`
	SampleSize int               `gorm:"not null" json:"sample_size"`
	Status     CycleCountStatus  `gorm:"size:20;not null" json:"status"`
	CreatedBy  string            `gorm:"size:100" json:"created_by"`
	Entries    []CycleCountEntry `gorm:"foreignKey:SessionId" json:"entries"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// CycleCountEntry snapshots one (bin, SKU) pair. CountedQty stays nil until an operator counts it.
type CycleCountEntry struct {
	ID              int              `gorm:"primary_key" json:"id"`
	SessionId       string           `gorm:"size:36;index;not null" json:"session_id"`
	BinStockId      int              `gorm:"not null" json:"bin_stock_id"`
	BinId           int              `gorm:"not null" json:"bin_id"`
	Sku             string           `gorm:"size:100;not null" json:"sku"`
	SystemQty       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"system_qty"`
	SnapshotVersion int              `gorm:"not null" json:"snapshot_version"`
	CountedQty      *decimal.Decimal `gorm:"type:decimal(20,4)" json:"counted_qty"`
	CountedBy       string           `gorm:"size:100" json:"counted_by"`
	CountedAt       *time.Time       `json:"counted_at"`
}

// CycleCountResult summarises an applied session.
type CycleCountResult struct {
	SessionId string             `json:"session_id"`
	Adjusted  []CycleCountAdjust `json:"adjusted"`
	Unchanged int                `json:"unchanged"`
	Uncounted int                `json:"uncounted"`
}

type CycleCountAdjust struct {
	BinId     int             `json:"bin_id"`
	Sku       string          `json:"sku"`
	SystemQty decimal.Decimal `json:"system_qty"`
	Counted   decimal.Decimal `json:"counted"`
	Delta     decimal.Decimal `json:"delta"`
}
