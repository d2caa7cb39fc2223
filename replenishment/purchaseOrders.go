package replenishment

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/mmdatafocus/fulfillment_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const createOrdersScope = "purchase_orders.create"

const (
	reasonNotFound       = "not found"
	reasonAlreadyOrdered = "already ordered"
	reasonNothingToOrder = "nothing to order"
	reasonNoVendor       = "no vendor"
	reasonSplitMismatch  = "vendor split total does not match quantity"
)

var errItemsSkipped = errors.New("some selected items were skipped")

// storedOrderResult is what the idempotency key keeps for replays.
type storedOrderResult struct {
	OrderIds []int                `json:"order_ids"`
	Skipped  []models.SkippedItem `json:"skipped"`
}

// CreatePurchaseOrders issues one purchase order per vendor for the selected items.
// Submitting the same selection again returns the orders created the first time,
// unless items were skipped for a fixable reason; then a resubmit orders what is
// still open.
func (e *Engine) CreatePurchaseOrders(ctx context.Context, itemIds []int, actor string) (*models.PurchaseOrderResult, error) {
	if len(itemIds) == 0 {
		return nil, models.NewValidationError("rop_item_ids", "at least one item is required")
	}
	ids := utils.UniqueSlice(itemIds)
	sort.Ints(ids)
	key := utils.SelectionKey(intsToStrings(ids))

	var stored storedOrderResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, skip, err := workflow.BeginIdempotency(tx, createOrdersScope, key)
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			return models.NewConflictError("the same selection is being ordered right now")
		}
		if err != nil {
			return err
		}
		if skip {
			return workflow.DecodeIdempotencyResult(row, &stored)
		}
		stored, err = e.createOrdersTx(tx, ids, key, actor)
		if err != nil {
			return err
		}
		if hasRetryableSkip(stored.Skipped) {
			return workflow.MarkIdempotencyFailed(tx, createOrdersScope, key, errItemsSkipped)
		}
		return workflow.MarkIdempotencySucceeded(tx, createOrdersScope, key, stored)
	})
	if err != nil {
		config.LogError(e.logger, moduleName, "CreatePurchaseOrders", "create purchase orders", itemIds, err)
		return nil, err
	}

	result := &models.PurchaseOrderResult{Orders: []models.PurchaseOrder{}, Skipped: stored.Skipped}
	if result.Skipped == nil {
		result.Skipped = []models.SkippedItem{}
	}
	if len(stored.OrderIds) > 0 {
		if err := e.db.WithContext(ctx).Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
			Where("id IN ?", stored.OrderIds).Order("id ASC").Find(&result.Orders).Error; err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) createOrdersTx(tx *gorm.DB, ids []int, key string, actor string) (storedOrderResult, error) {
	out := storedOrderResult{OrderIds: []int{}, Skipped: []models.SkippedItem{}}

	var items []models.ROPItem
	if err := tx.Preload("VendorSplits", func(db *gorm.DB) *gorm.DB { return db.Order("vendor_id ASC") }).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).Order("id ASC").
		Find(&items).Error; err != nil {
		return out, err
	}
	found := map[int]bool{}
	for _, it := range items {
		found[it.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			out.Skipped = append(out.Skipped, models.SkippedItem{ROPItemId: id, Reason: reasonNotFound})
		}
	}

	linesByVendor := map[string][]models.PurchaseOrderLine{}
	var ordered []models.ROPItem
	for _, it := range items {
		lines, reason, err := e.linesFor(tx, it)
		if err != nil {
			return out, err
		}
		if reason != "" {
			out.Skipped = append(out.Skipped, models.SkippedItem{ROPItemId: it.ID, Reason: reason})
			continue
		}
		for vendor, line := range lines {
			linesByVendor[vendor] = append(linesByVendor[vendor], line)
		}
		ordered = append(ordered, it)
	}
	sort.Slice(out.Skipped, func(i, j int) bool { return out.Skipped[i].ROPItemId < out.Skipped[j].ROPItemId })

	vendors := make([]string, 0, len(linesByVendor))
	for v := range linesByVendor {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	for _, vendor := range vendors {
		po := models.PurchaseOrder{
			VendorId:     vendor,
			Status:       models.PurchaseOrderStatusIssued,
			SelectionKey: key,
			CreatedBy:    actorOrSystem(actor),
			Lines:        linesByVendor[vendor],
		}
		total := decimal.Zero
		for _, l := range po.Lines {
			total = total.Add(l.Quantity.Mul(l.Rate))
		}
		po.TotalAmount = total.Round(4)
		if err := tx.Create(&po).Error; err != nil {
			return out, err
		}
		if err := models.PublishEvent(tx.Statement.Context, tx, models.EventPurchaseOrderCreated, strconv.Itoa(po.ID), map[string]interface{}{
			"purchase_order_id": po.ID,
			"vendor_id":         po.VendorId,
			"total_amount":      po.TotalAmount,
			"lines":             len(po.Lines),
		}); err != nil {
			return out, err
		}
		out.OrderIds = append(out.OrderIds, po.ID)
	}

	for _, it := range ordered {
		res := tx.Model(&models.ROPItem{}).
			Where("id = ? AND version = ?", it.ID, it.Version).
			Updates(map[string]interface{}{"status": models.ROPStatusOrdered, "version": it.Version + 1})
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected == 0 {
			return out, models.NewConflictError("rop item %d changed while ordering", it.ID)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"module":  moduleName,
		"orders":  len(out.OrderIds),
		"items":   len(ordered),
		"skipped": len(out.Skipped),
	}).Info("purchase orders created")
	return out, nil
}

func hasRetryableSkip(skipped []models.SkippedItem) bool {
	for _, s := range skipped {
		if s.Reason != reasonAlreadyOrdered {
			return true
		}
	}
	return false
}

// linesFor splits one item across vendors: operator splits first, else the primary vendor.
// A non-empty reason means the item is skipped.
func (e *Engine) linesFor(tx *gorm.DB, it models.ROPItem) (map[string]models.PurchaseOrderLine, string, error) {
	if it.Status == models.ROPStatusOrdered {
		return nil, reasonAlreadyOrdered, nil
	}
	qty := it.EffectiveQuantity()
	if !qty.IsPositive() {
		return nil, reasonNothingToOrder, nil
	}
	lines := map[string]models.PurchaseOrderLine{}
	if len(it.VendorSplits) > 0 {
		if !sumSplits(it.VendorSplits).Equal(qty) {
			return nil, reasonSplitMismatch, nil
		}
		for _, s := range it.VendorSplits {
			lines[s.VendorId] = models.PurchaseOrderLine{ROPItemId: it.ID, Sku: it.Sku, Quantity: s.Quantity, Rate: s.Rate}
		}
		return lines, "", nil
	}
	if it.PrimaryVendorId == nil || *it.PrimaryVendorId == "" {
		return nil, reasonNoVendor, nil
	}
	var rate models.VendorRate
	err := tx.Where("vendor_id = ? AND sku = ?", *it.PrimaryVendorId, it.Sku).Limit(1).Find(&rate).Error
	if err != nil {
		return nil, "", err
	}
	lines[*it.PrimaryVendorId] = models.PurchaseOrderLine{ROPItemId: it.ID, Sku: it.Sku, Quantity: qty, Rate: rate.Rate}
	return lines, "", nil
}

type OrderQuery struct {
	models.Query
	VendorId string                     `form:"vendor_id"`
	Status   models.PurchaseOrderStatus `form:"status"`
}

func (e *Engine) ListPurchaseOrders(ctx context.Context, q OrderQuery) (models.Page[models.PurchaseOrder], error) {
	var page models.Page[models.PurchaseOrder]
	db := e.db.WithContext(ctx).Model(&models.PurchaseOrder{})
	if q.VendorId != "" {
		db = db.Where("vendor_id = ?", q.VendorId)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	db = db.Scopes(models.SearchLike(q.Search, "vendor_id", "created_by"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	err := db.Scopes(models.Paginate(q.Query)).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("created_at DESC, id DESC").
		Find(&page.Data).Error
	return page, err
}

func (e *Engine) GetPurchaseOrder(ctx context.Context, id int) (*models.PurchaseOrder, error) {
	return loadOrder(e.db.WithContext(ctx), id, false)
}

func loadOrder(db *gorm.DB, id int, locking bool) (*models.PurchaseOrder, error) {
	var po models.PurchaseOrder
	q := db.Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
	if locking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ?", id).First(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("purchase order", id)
	}
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func intsToStrings(ids []int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.Itoa(id))
	}
	return out
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return utils.SystemActor
	}
	return actor
}
