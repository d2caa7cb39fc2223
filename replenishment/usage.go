package replenishment

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"gorm.io/gorm/clause"
)

// RecordUsage stores daily usage, one row per SKU and day. A later record for the
// same day replaces the earlier quantity.
func (e *Engine) RecordUsage(ctx context.Context, records []models.UsageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	type dayKey struct {
		sku string
		day time.Time
	}
	rows := map[dayKey]models.SkuUsage{}
	for _, r := range records {
		if err := models.ValidateInput(r); err != nil {
			return 0, err
		}
		if r.Quantity.IsNegative() {
			return 0, models.NewValidationError("quantity", "must not be negative for %s", r.Sku)
		}
		k := dayKey{sku: strings.TrimSpace(r.Sku), day: startOfDay(r.Date)}
		rows[k] = models.SkuUsage{Sku: k.sku, UsageDate: k.day, Quantity: r.Quantity}
	}

	batch := make([]models.SkuUsage, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, row)
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Sku != batch[j].Sku {
			return batch[i].Sku < batch[j].Sku
		}
		return batch[i].UsageDate.Before(batch[j].UsageDate)
	})

	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku"}, {Name: "usage_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
	}).Create(&batch).Error
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}
