package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductionUnit is one ordered physical item travelling through the pipeline.
type ProductionUnit struct {
	ID         string           `gorm:"primary_key;size:36" json:"id"`
	OrderId    string           `gorm:"size:100;index;not null" json:"order_id"`
	ProductRef string           `gorm:"size:255;not null" json:"product_ref"`
	Stage      Stage            `gorm:"size:20;index;not null" json:"stage"`
	BatchId    *string          `gorm:"size:36;index" json:"batch_id"`
	Version    int              `gorm:"not null;default:0" json:"version"`
	Materials  []UnitMaterial   `gorm:"foreignKey:UnitId" json:"materials,omitempty"`
	AuditTrail []UnitAuditEntry `gorm:"foreignKey:UnitId" json:"audit_trail,omitempty"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// UnitMaterial is one line of the unit's bill of material.
type UnitMaterial struct {
	ID     int             `gorm:"primary_key" json:"id"`
	UnitId string          `gorm:"size:36;index;not null" json:"unit_id"`
	Sku    string          `gorm:"size:100;index;not null" json:"sku"`
	Qty    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
}

// UnitAuditEntry rows are insert-only; the append-only guard rejects updates and deletes.
type UnitAuditEntry struct {
	ID        int       `gorm:"primary_key" json:"id"`
	UnitId    string    `gorm:"size:36;not null;uniqueIndex:idx_unit_audit_seq,priority:1" json:"unit_id"`
	Seq       int       `gorm:"not null;uniqueIndex:idx_unit_audit_seq,priority:2" json:"seq"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Actor     string    `gorm:"size:100;not null" json:"actor"`
	StageFrom Stage     `gorm:"size:20" json:"stage_from"`
	StageTo   Stage     `gorm:"size:20" json:"stage_to"`
	Message   string    `gorm:"type:text" json:"message"`
}

type NewUnit struct {
	OrderId    string            `json:"order_id" binding:"required" validate:"required"`
	ProductRef string            `json:"product_ref" binding:"required" validate:"required"`
	Materials  []NewUnitMaterial `json:"materials" binding:"dive" validate:"dive"`
}

type NewUnitMaterial struct {
	Sku string          `json:"sku" binding:"required" validate:"required"`
	Qty decimal.Decimal `json:"qty"`
}
