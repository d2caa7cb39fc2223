package replenishment

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ItemQuery struct {
	models.Query
	Status        models.ROPStatus `form:"status"`
	CalculationId string           `form:"calculation_id"`
}

func (e *Engine) ListItems(ctx context.Context, q ItemQuery) (models.Page[models.ROPItem], error) {
	var page models.Page[models.ROPItem]
	db := e.db.WithContext(ctx).Model(&models.ROPItem{})
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.CalculationId != "" {
		db = db.Where("calculation_id = ?", q.CalculationId)
	}
	db = db.Scopes(models.SearchLike(q.Search, "sku"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	if err := db.Scopes(models.Paginate(q.Query)).
		Preload("VendorSplits", func(db *gorm.DB) *gorm.DB { return db.Order("vendor_id ASC") }).
		Order("sku ASC, id ASC").
		Find(&page.Data).Error; err != nil {
		return page, err
	}
	for i := range page.Data {
		ids, err := purchaseOrderIdsFor(e.db.WithContext(ctx), page.Data[i].ID)
		if err != nil {
			return page, err
		}
		page.Data[i].PurchaseOrderIds = ids
	}
	return page, nil
}

func (e *Engine) GetItem(ctx context.Context, id int) (*models.ROPItem, error) {
	db := e.db.WithContext(ctx)
	item, err := loadItem(db, id, false)
	if err != nil {
		return nil, err
	}
	item.PurchaseOrderIds, err = purchaseOrderIdsFor(db, id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func loadItem(db *gorm.DB, id int, locking bool) (*models.ROPItem, error) {
	var item models.ROPItem
	q := db.Preload("VendorSplits", func(db *gorm.DB) *gorm.DB { return db.Order("vendor_id ASC") })
	if locking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("rop item", id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func purchaseOrderIdsFor(db *gorm.DB, itemId int) ([]int, error) {
	ids := []int{}
	err := db.Model(&models.PurchaseOrderLine{}).
		Where("rop_item_id = ?", itemId).
		Distinct("purchase_order_id").
		Order("purchase_order_id ASC").
		Pluck("purchase_order_id", &ids).Error
	return ids, err
}

// updateItem runs fn against a locked, non-ORDERED item and bumps its version.
func (e *Engine) updateItem(ctx context.Context, id int, fn func(tx *gorm.DB, item *models.ROPItem) (map[string]interface{}, error)) (*models.ROPItem, error) {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItem(tx, id, true)
		if err != nil {
			return err
		}
		if item.Status == models.ROPStatusOrdered {
			return models.NewConflictError("rop item %d is already ordered", id)
		}
		updates, err := fn(tx, item)
		if err != nil {
			return err
		}
		updates["version"] = item.Version + 1
		res := tx.Model(&models.ROPItem{}).Where("id = ? AND version = ?", id, item.Version).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewConflictError("rop item %d changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.GetItem(ctx, id)
}

// UpdateQuantity overrides the suggested quantity. Vendor splits that no longer
// add up to the new quantity are dropped.
func (e *Engine) UpdateQuantity(ctx context.Context, id int, qty decimal.Decimal) (*models.ROPItem, error) {
	if qty.IsNegative() {
		return nil, models.NewValidationError("adjusted_quantity", "must not be negative")
	}
	return e.updateItem(ctx, id, func(tx *gorm.DB, item *models.ROPItem) (map[string]interface{}, error) {
		if len(item.VendorSplits) > 0 && !sumSplits(item.VendorSplits).Equal(qty) {
			if err := tx.Where("rop_item_id = ?", id).Delete(&models.ROPVendorSplit{}).Error; err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"adjusted_quantity": qty, "status": models.ROPStatusAdjusted}, nil
	})
}

// UpdateVendorSplit replaces the item's splits. They must add up to the effective quantity.
func (e *Engine) UpdateVendorSplit(ctx context.Context, id int, splits []models.NewVendorSplit) (*models.ROPItem, error) {
	if len(splits) == 0 {
		return nil, models.NewValidationError("vendor_splits", "at least one split is required")
	}
	seen := map[string]bool{}
	for _, s := range splits {
		if err := models.ValidateInput(s); err != nil {
			return nil, err
		}
		if !s.Quantity.IsPositive() {
			return nil, models.NewValidationError("vendor_splits.quantity", "must be greater than zero for vendor %s", s.VendorId)
		}
		if s.Rate.IsNegative() {
			return nil, models.NewValidationError("vendor_splits.rate", "must not be negative for vendor %s", s.VendorId)
		}
		if seen[s.VendorId] {
			return nil, models.NewValidationError("vendor_splits.vendor_id", "vendor %s listed twice", s.VendorId)
		}
		seen[s.VendorId] = true
	}
	return e.updateItem(ctx, id, func(tx *gorm.DB, item *models.ROPItem) (map[string]interface{}, error) {
		rows := make([]models.ROPVendorSplit, 0, len(splits))
		for _, s := range splits {
			rows = append(rows, models.ROPVendorSplit{ROPItemId: id, VendorId: strings.TrimSpace(s.VendorId), Quantity: s.Quantity, Rate: s.Rate})
		}
		if total, want := sumSplits(rows), item.EffectiveQuantity(); !total.Equal(want) {
			return nil, models.NewValidationError("vendor_splits", "split total %s does not match quantity %s", total.String(), want.String())
		}
		if err := fillRates(tx, item.Sku, rows); err != nil {
			return nil, err
		}
		if err := tx.Where("rop_item_id = ?", id).Delete(&models.ROPVendorSplit{}).Error; err != nil {
			return nil, err
		}
		if err := tx.Create(&rows).Error; err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": models.ROPStatusAdjusted}, nil
	})
}

// DiscardOverrides drops the adjusted quantity and splits and returns the item to PENDING.
func (e *Engine) DiscardOverrides(ctx context.Context, id int) (*models.ROPItem, error) {
	return e.updateItem(ctx, id, func(tx *gorm.DB, item *models.ROPItem) (map[string]interface{}, error) {
		if err := tx.Where("rop_item_id = ?", id).Delete(&models.ROPVendorSplit{}).Error; err != nil {
			return nil, err
		}
		return map[string]interface{}{"adjusted_quantity": nil, "status": models.ROPStatusPending}, nil
	})
}

// fillRates checks every vendor exists and takes the vendor's SKU rate when none was given.
func fillRates(tx *gorm.DB, sku string, rows []models.ROPVendorSplit) error {
	vendorIds := make([]string, 0, len(rows))
	for _, r := range rows {
		vendorIds = append(vendorIds, r.VendorId)
	}
	sort.Strings(vendorIds)

	var known []string
	if err := tx.Model(&models.Vendor{}).Where("id IN ?", vendorIds).Pluck("id", &known).Error; err != nil {
		return err
	}
	if len(known) != len(vendorIds) {
		found := map[string]bool{}
		for _, k := range known {
			found[k] = true
		}
		for _, v := range vendorIds {
			if !found[v] {
				return models.NewValidationError("vendor_splits.vendor_id", "unknown vendor %s", v)
			}
		}
	}

	var rates []models.VendorRate
	if err := tx.Where("sku = ? AND vendor_id IN ?", sku, vendorIds).Find(&rates).Error; err != nil {
		return err
	}
	byVendor := map[string]decimal.Decimal{}
	for _, r := range rates {
		byVendor[r.VendorId] = r.Rate
	}
	for i := range rows {
		if rows[i].Rate.IsZero() {
			rows[i].Rate = byVendor[rows[i].VendorId]
		}
	}
	return nil
}

func sumSplits(splits []models.ROPVendorSplit) decimal.Decimal {
	total := decimal.Zero
	for _, s := range splits {
		total = total.Add(s.Quantity)
	}
	return total
}
