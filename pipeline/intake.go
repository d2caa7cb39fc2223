package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IncomingOrder is an order as received from the order service.
type IncomingOrder struct {
	OrderId string              `json:"order_id" binding:"required" validate:"required"`
	Items   []IncomingOrderItem `json:"items" binding:"required,min=1,dive" validate:"required,min=1,dive"`
}

// IncomingOrderItem expands into Quantity production units.
type IncomingOrderItem struct {
	ProductRef string                   `json:"product_ref" binding:"required" validate:"required"`
	Quantity   int                      `json:"quantity" binding:"required,min=1" validate:"required,min=1"`
	Materials  []models.NewUnitMaterial `json:"materials" binding:"dive" validate:"dive"`
}

type IntakeResult struct {
	OrderId string                  `json:"order_id"`
	Created bool                    `json:"created"`
	Units   []models.ProductionUnit `json:"units"`
}

// IngestOrder creates one PLANNED unit per physical item. An order that was
// already ingested returns its existing units unchanged.
func (l *UnitLedger) IngestOrder(ctx context.Context, order IncomingOrder, actor string) (*IntakeResult, error) {
	if err := models.ValidateInput(order); err != nil {
		return nil, err
	}
	orderId := strings.TrimSpace(order.OrderId)
	result := &IntakeResult{OrderId: orderId}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.ProductionUnit
		if err := tx.Preload("Materials").Where("order_id = ?", orderId).
			Order("created_at ASC, id ASC").Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			result.Units = existing
			return nil
		}

		for _, item := range order.Items {
			for _, m := range item.Materials {
				if !m.Qty.IsPositive() {
					return models.NewValidationError("materials.qty", "must be greater than zero for %s", m.Sku)
				}
			}
			for n := 0; n < item.Quantity; n++ {
				unit := models.ProductionUnit{
					ID:         uuid.NewString(),
					OrderId:    orderId,
					ProductRef: strings.TrimSpace(item.ProductRef),
					Stage:      models.StagePlanned,
				}
				for _, m := range item.Materials {
					unit.Materials = append(unit.Materials, models.UnitMaterial{Sku: strings.TrimSpace(m.Sku), Qty: m.Qty})
				}
				if err := tx.Create(&unit).Error; err != nil {
					return err
				}
				if _, err := l.AppendAudit(tx, unit.ID, AuditInput{
					Actor:   actor,
					StageTo: models.StagePlanned,
					Message: "unit created from order " + orderId,
				}); err != nil {
					return err
				}
				result.Units = append(result.Units, unit)
			}
		}
		result.Created = true
		return nil
	})
	if err != nil {
		config.LogError(l.logger, moduleName, "IngestOrder", "ingest order", order, err)
		return nil, err
	}
	if result.Created {
		l.logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"order_id": orderId,
			"units":    len(result.Units),
		}).Info("order ingested")
	}
	return result, nil
}
