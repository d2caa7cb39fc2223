package replenishment

import (
	"context"
	"errors"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"gorm.io/gorm"
)

type VendorQuery struct {
	models.Query
	Sku        string `form:"sku"`
	ActiveOnly bool   `form:"active_only"`
}

// ListVendors returns vendors with their rates; Sku narrows both to vendors quoting it.
func (e *Engine) ListVendors(ctx context.Context, q VendorQuery) (models.Page[models.Vendor], error) {
	var page models.Page[models.Vendor]
	db := e.db.WithContext(ctx).Model(&models.Vendor{})
	if q.ActiveOnly {
		db = db.Where("is_active = ?", true)
	}
	if q.Sku != "" {
		db = db.Where("id IN (?)", e.db.Model(&models.VendorRate{}).Select("vendor_id").Where("sku = ?", q.Sku))
	}
	db = db.Scopes(models.SearchLike(q.Search, "id", "name", "phone"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	err := db.Scopes(models.Paginate(q.Query)).
		Preload("Rates", func(db *gorm.DB) *gorm.DB {
			if q.Sku != "" {
				db = db.Where("sku = ?", q.Sku)
			}
			return db.Order("sku ASC")
		}).
		Order("id ASC").
		Find(&page.Data).Error
	return page, err
}

func (e *Engine) GetVendor(ctx context.Context, id string) (*models.Vendor, error) {
	var v models.Vendor
	err := e.db.WithContext(ctx).
		Preload("Rates", func(db *gorm.DB) *gorm.DB { return db.Order("sku ASC") }).
		Where("id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("vendor", id)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
