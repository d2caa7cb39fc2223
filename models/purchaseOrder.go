package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseOrder struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	VendorId     string              `gorm:"size:100;index;not null" json:"vendor_id"`
	Status       PurchaseOrderStatus `gorm:"size:20;index;not null" json:"status"`
	SelectionKey string              `gorm:"size:64;index" json:"selection_key"`
	CreatedBy    string              `gorm:"size:100" json:"created_by"`
	TotalAmount  decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	Lines        []PurchaseOrderLine `gorm:"foreignKey:PurchaseOrderId" json:"lines"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrderLine struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	ROPItemId       int             `gorm:"index;not null" json:"rop_item_id"`
	Sku             string          `gorm:"size:100;index;not null" json:"sku"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Rate            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"rate"`
	ReceivedQty     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"received_qty"`
}

// Outstanding is the quantity still expected from the vendor.
func (l PurchaseOrderLine) Outstanding() decimal.Decimal {
	out := l.Quantity.Sub(l.ReceivedQty)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// SkippedItem is a selected ROP item that produced no purchase order line.
type SkippedItem struct {
	ROPItemId int    `json:"rop_item_id"`
	Reason    string `json:"reason"`
}

type PurchaseOrderResult struct {
	Orders  []PurchaseOrder `json:"orders"`
	Skipped []SkippedItem   `json:"skipped"`
}

type Receipt struct {
	LineId int             `json:"line_id" binding:"required" validate:"required"`
	BinId  int             `json:"bin_id" binding:"required" validate:"required"`
	Qty    decimal.Decimal `json:"qty"`
}
