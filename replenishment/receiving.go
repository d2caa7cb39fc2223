package replenishment

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReceivePurchaseOrder books delivered quantities into bins and moves the order
// to PARTIALLY_RECEIVED or RECEIVED.
func (e *Engine) ReceivePurchaseOrder(ctx context.Context, poId int, receipts []models.Receipt, actor string) (*models.PurchaseOrder, error) {
	if len(receipts) == 0 {
		return nil, models.NewValidationError("receipts", "at least one receipt is required")
	}
	for _, r := range receipts {
		if err := models.ValidateInput(r); err != nil {
			return nil, err
		}
		if !r.Qty.IsPositive() {
			return nil, models.NewValidationError("qty", "must be greater than zero for line %d", r.LineId)
		}
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		po, err := loadOrder(tx, poId, true)
		if err != nil {
			return err
		}
		switch po.Status {
		case models.PurchaseOrderStatusReceived, models.PurchaseOrderStatusCancelled:
			return models.NewConflictError("purchase order %d is %s", poId, po.Status)
		}

		lines := map[int]*models.PurchaseOrderLine{}
		for i := range po.Lines {
			lines[po.Lines[i].ID] = &po.Lines[i]
		}
		received := map[int]decimal.Decimal{}
		for _, r := range receipts {
			line, ok := lines[r.LineId]
			if !ok {
				return models.NewValidationError("line_id", "line %d is not on purchase order %d", r.LineId, poId)
			}
			total := received[r.LineId].Add(r.Qty)
			if total.GreaterThan(line.Outstanding()) {
				return models.NewValidationError("qty", "line %d: receiving %s exceeds outstanding %s", r.LineId, total.String(), line.Outstanding().String())
			}
			received[r.LineId] = total

			if _, err := e.stock.Adjust(tx, inventory.AdjustInput{
				BinId:       r.BinId,
				Sku:         line.Sku,
				Delta:       r.Qty,
				Reason:      models.MovementReasonReceipt,
				ReferenceId: fmt.Sprintf("PO-%d", poId),
				Actor:       actor,
			}); err != nil {
				return err
			}
		}

		complete := true
		for i := range po.Lines {
			line := &po.Lines[i]
			if add, ok := received[line.ID]; ok {
				line.ReceivedQty = line.ReceivedQty.Add(add)
				if err := tx.Model(&models.PurchaseOrderLine{}).Where("id = ?", line.ID).
					Update("received_qty", line.ReceivedQty).Error; err != nil {
					return err
				}
			}
			if line.Outstanding().IsPositive() {
				complete = false
			}
		}
		status := models.PurchaseOrderStatusPartiallyReceived
		if complete {
			status = models.PurchaseOrderStatusReceived
		}
		return tx.Model(&models.PurchaseOrder{}).Where("id = ?", poId).Update("status", status).Error
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"module":            moduleName,
		"purchase_order_id": poId,
		"receipts":          len(receipts),
	}).Info("purchase order received")
	return e.GetPurchaseOrder(ctx, poId)
}

// CancelPurchaseOrder cancels an order nothing has been received against.
func (e *Engine) CancelPurchaseOrder(ctx context.Context, poId int) (*models.PurchaseOrder, error) {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		po, err := loadOrder(tx, poId, true)
		if err != nil {
			return err
		}
		if po.Status != models.PurchaseOrderStatusIssued {
			return models.NewConflictError("purchase order %d is %s", poId, po.Status)
		}
		return tx.Model(&models.PurchaseOrder{}).Where("id = ?", poId).
			Update("status", models.PurchaseOrderStatusCancelled).Error
	})
	if err != nil {
		return nil, err
	}
	return e.GetPurchaseOrder(ctx, poId)
}
