package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Bin struct {
	ID        int        `gorm:"primary_key" json:"id"`
	Name      string     `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Category  string     `gorm:"size:100" json:"category"`
	IsActive  *bool      `gorm:"not null;default:true" json:"is_active"`
	Stocks    []BinStock `gorm:"foreignKey:BinId" json:"stocks,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBin struct {
	Name     string `json:"name" binding:"required"`
	Category string `json:"category"`
}

// BinStock is the quantity of one SKU held in one bin. Every write is compare-and-adjust on Version.
type BinStock struct {
	ID        int             `gorm:"primary_key" json:"id"`
	BinId     int             `gorm:"not null;uniqueIndex:idx_bin_sku,priority:1" json:"bin_id"`
	Sku       string          `gorm:"size:100;not null;uniqueIndex:idx_bin_sku,priority:2;index" json:"sku"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty"`
	Version   int             `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockMovement is the append-only ledger of bin quantity changes.
type StockMovement struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BinId       int             `gorm:"index;not null" json:"bin_id"`
	Sku         string          `gorm:"size:100;index;not null" json:"sku"`
	Delta       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"delta"`
	QtyAfter    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_after"`
	Reason      MovementReason  `gorm:"size:20;index;not null" json:"reason"`
	ReferenceId string          `gorm:"size:100;index" json:"reference_id"`
	Actor       string          `gorm:"size:100" json:"actor"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type StockReservation struct {
	ID        int               `gorm:"primary_key" json:"id"`
	UnitId    string            `gorm:"size:36;index;not null" json:"unit_id"`
	Sku       string            `gorm:"size:100;index;not null" json:"sku"`
	BinId     int               `gorm:"index;not null" json:"bin_id"`
	Qty       decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"qty"`
	Status    ReservationStatus `gorm:"size:20;index;not null" json:"status"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
