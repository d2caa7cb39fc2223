package inventory

import (
	"context"
	"errors"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PutbackRequest returns reserved stock to its originating bin. A nil Qty returns all of it.
type PutbackRequest struct {
	ReservationId int              `json:"reservation_id" binding:"required"`
	Qty           *decimal.Decimal `json:"qty"`
}

type PutbackResult struct {
	ReservationId int             `json:"reservation_id"`
	BinId         int             `json:"bin_id"`
	Sku           string          `json:"sku"`
	Returned      decimal.Decimal `json:"returned"`
	Remaining     decimal.Decimal `json:"remaining"`
}

// Putback processes every request in one transaction.
func (e *Engine) Putback(ctx context.Context, reqs []PutbackRequest) ([]PutbackResult, error) {
	if len(reqs) == 0 {
		return nil, models.NewValidationError("reservations", "at least one reservation is required")
	}
	actor := utils.ActorOrSystem(ctx)
	var results []PutbackResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		results = results[:0]
		for _, req := range reqs {
			res, err := e.putbackOne(tx, req, actor)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) putbackOne(tx *gorm.DB, req PutbackRequest, actor string) (PutbackResult, error) {
	var r models.StockReservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", req.ReservationId).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PutbackResult{}, models.NewNotFoundError("reservation", req.ReservationId)
	}
	if err != nil {
		return PutbackResult{}, err
	}

	qty := r.Qty
	if req.Qty != nil {
		qty = *req.Qty
	}
	if !qty.IsPositive() {
		return PutbackResult{}, models.NewValidationError("qty", "must be greater than zero")
	}
	if qty.GreaterThan(r.Qty) {
		return PutbackResult{}, models.NewValidationError("qty", "%s exceeds reserved %s", qty.String(), r.Qty.String())
	}

	remaining, err := claimReservation(tx, r, qty)
	if err != nil {
		return PutbackResult{}, err
	}
	if _, err := e.ledger.Adjust(tx, AdjustInput{
		BinId:       r.BinId,
		Sku:         r.Sku,
		Delta:       qty,
		Reason:      models.MovementReasonPutback,
		ReferenceId: r.UnitId,
		Actor:       actor,
	}); err != nil {
		return PutbackResult{}, err
	}
	return PutbackResult{
		ReservationId: r.ID,
		BinId:         r.BinId,
		Sku:           r.Sku,
		Returned:      qty,
		Remaining:     remaining,
	}, nil
}

// claimReservation takes qty off r, deleting it when nothing remains. The write
// only lands if the stored quantity still equals r.Qty.
func claimReservation(tx *gorm.DB, r models.StockReservation, qty decimal.Decimal) (decimal.Decimal, error) {
	remaining := r.Qty.Sub(qty)
	var res *gorm.DB
	if remaining.IsZero() {
		res = tx.Where("id = ? AND qty = ?", r.ID, r.Qty).Delete(&models.StockReservation{})
	} else {
		res = tx.Model(&models.StockReservation{}).Where("id = ? AND qty = ?", r.ID, r.Qty).Update("qty", remaining)
	}
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, models.NewConflictError("reservation %d changed concurrently", r.ID)
	}
	return remaining, nil
}

// ReturnUnitStock puts back every reservation the unit holds, reserved or consumed.
func (e *Engine) ReturnUnitStock(tx *gorm.DB, unitId string, actor string) ([]models.StockReservation, error) {
	var rows []models.StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("unit_id = ?", unitId).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		if _, err := e.ledger.Adjust(tx, AdjustInput{
			BinId:       r.BinId,
			Sku:         r.Sku,
			Delta:       r.Qty,
			Reason:      models.MovementReasonPutback,
			ReferenceId: unitId,
			Actor:       actor,
		}); err != nil {
			return nil, err
		}
	}
	if len(rows) > 0 {
		if err := tx.Where("unit_id = ?", unitId).Delete(&models.StockReservation{}).Error; err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// ConsumeUnitReservations marks the unit's reservations CONSUMED once kitting finishes.
func (e *Engine) ConsumeUnitReservations(tx *gorm.DB, unitId string) error {
	res := tx.Model(&models.StockReservation{}).
		Where("unit_id = ? AND status = ?", unitId, models.ReservationStatusReserved).
		Update("status", models.ReservationStatusConsumed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.NewConflictError("unit %s has no reserved stock to consume", unitId)
	}
	return nil
}
