package models

import "time"

type DispatchManifest struct {
	ID        int                    `gorm:"primary_key" json:"id"`
	Carrier   string                 `gorm:"size:100;not null" json:"carrier"`
	CreatedBy string                 `gorm:"size:100" json:"created_by"`
	Units     []DispatchManifestUnit `gorm:"foreignKey:ManifestId" json:"units"`
	CreatedAt time.Time              `gorm:"autoCreateTime" json:"created_at"`
}

type DispatchManifestUnit struct {
	ID         int    `gorm:"primary_key" json:"id"`
	ManifestId int    `gorm:"index;not null" json:"manifest_id"`
	UnitId     string `gorm:"size:36;index;not null" json:"unit_id"`
	OrderId    string `gorm:"size:100" json:"order_id"`
	ProductRef string `gorm:"size:255" json:"product_ref"`
}

// UnitResult is the per-unit outcome of a bulk operation.
type UnitResult struct {
	UnitId  string `json:"unit_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type DispatchResult struct {
	Manifest *DispatchManifest `json:"manifest"`
	Results  []UnitResult      `json:"results"`
}
