package inventory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunCycleCount samples sampleSize random (bin, SKU) pairs holding stock and
// snapshots their quantity and version.
func (e *Engine) RunCycleCount(ctx context.Context, sampleSize int) (*models.CycleCountSession, error) {
	if sampleSize <= 0 {
		return nil, models.NewValidationError("sample_size", "must be greater than zero")
	}
	if sampleSize > e.maxSample {
		return nil, models.NewValidationError("sample_size", "must not exceed %d", e.maxSample)
	}

	var stocks []models.BinStock
	if err := e.db.WithContext(ctx).Where("qty > 0").Order("id ASC").Find(&stocks).Error; err != nil {
		return nil, err
	}

	e.rngMu.Lock()
	e.rng.Shuffle(len(stocks), func(i, j int) { stocks[i], stocks[j] = stocks[j], stocks[i] })
	e.rngMu.Unlock()
	if len(stocks) > sampleSize {
		stocks = stocks[:sampleSize]
	}
	// walking order for the operator
	sort.Slice(stocks, func(i, j int) bool {
		if stocks[i].BinId != stocks[j].BinId {
			return stocks[i].BinId < stocks[j].BinId
		}
		return stocks[i].Sku < stocks[j].Sku
	})

	session := models.CycleCountSession{
		ID:         uuid.NewString(),
		SampleSize: sampleSize,
		Status:     models.CycleCountStatusOpen,
		CreatedBy:  utils.ActorOrSystem(ctx),
	}
	for _, s := range stocks {
		session.Entries = append(session.Entries, models.CycleCountEntry{
			BinStockId:      s.ID,
			BinId:           s.BinId,
			Sku:             s.Sku,
			SystemQty:       s.Qty,
			SnapshotVersion: s.Version,
		})
	}
	if err := e.db.WithContext(ctx).Create(&session).Error; err != nil {
		config.LogError(e.logger, moduleName, "RunCycleCount", "create session", sampleSize, err)
		return nil, err
	}
	return &session, nil
}

func (e *Engine) GetCycleCount(ctx context.Context, sessionId string) (*models.CycleCountSession, error) {
	return loadSession(e.db.WithContext(ctx), sessionId)
}

func loadSession(db *gorm.DB, sessionId string) (*models.CycleCountSession, error) {
	var session models.CycleCountSession
	err := db.Preload("Entries", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", sessionId).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("cycle count", sessionId)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// RecordCount stores an operator's physical count for one entry.
func (e *Engine) RecordCount(ctx context.Context, sessionId string, entryId int, counted decimal.Decimal) (*models.CycleCountEntry, error) {
	if counted.IsNegative() {
		return nil, models.NewValidationError("counted_qty", "must not be negative")
	}
	var entry models.CycleCountEntry
	err := e.db.WithContext(ctx).Where("id = ? AND session_id = ?", entryId, sessionId).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("cycle count entry", entryId)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	actor := utils.ActorOrSystem(ctx)
	if err := e.db.WithContext(ctx).Model(&models.CycleCountEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"counted_qty": counted,
		"counted_by":  actor,
		"counted_at":  now,
	}).Error; err != nil {
		return nil, err
	}
	entry.CountedQty = &counted
	entry.CountedBy = actor
	entry.CountedAt = &now
	return &entry, nil
}

// ApplyCycleCount sets every counted bin to its counted quantity in one transaction,
// then discards the session. Any bin that moved since the snapshot fails the whole apply.
func (e *Engine) ApplyCycleCount(ctx context.Context, sessionId string) (*models.CycleCountResult, error) {
	actor := utils.ActorOrSystem(ctx)
	result := &models.CycleCountResult{SessionId: sessionId}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		*result = models.CycleCountResult{SessionId: sessionId}
		session, err := loadSession(tx, sessionId)
		if err != nil {
			return err
		}

		stockIds := make([]int, 0, len(session.Entries))
		for _, en := range session.Entries {
			stockIds = append(stockIds, en.BinStockId)
		}
		var current []models.BinStock
		if len(stockIds) > 0 {
			if err := tx.Where("id IN ?", stockIds).Find(&current).Error; err != nil {
				return err
			}
		}
		byId := make(map[int]models.BinStock, len(current))
		for _, s := range current {
			byId[s.ID] = s
		}

		var stale []int
		for _, en := range session.Entries {
			s, ok := byId[en.BinStockId]
			if !ok || s.Version != en.SnapshotVersion {
				stale = append(stale, en.ID)
			}
		}
		if len(stale) > 0 {
			return &models.StaleCountError{SessionId: sessionId, EntryIds: stale}
		}

		mv := movement{reason: models.MovementReasonCycleCount, referenceId: sessionId, actor: actor}
		for _, en := range session.Entries {
			if en.CountedQty == nil {
				result.Uncounted++
				continue
			}
			delta := en.CountedQty.Sub(en.SystemQty)
			if delta.IsZero() {
				result.Unchanged++
				continue
			}
			ok, err := e.ledger.adjustAtVersion(tx, byId[en.BinStockId], en.SnapshotVersion, delta, mv)
			if err != nil {
				return err
			}
			if !ok {
				return &models.StaleCountError{SessionId: sessionId, EntryIds: []int{en.ID}}
			}
			result.Adjusted = append(result.Adjusted, models.CycleCountAdjust{
				BinId:     en.BinId,
				Sku:       en.Sku,
				SystemQty: en.SystemQty,
				Counted:   *en.CountedQty,
				Delta:     delta,
			})
		}

		if err := deleteSession(tx, sessionId); err != nil {
			return err
		}
		return models.PublishEvent(ctx, tx, models.EventCycleCountApplied, sessionId, result)
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"module":     moduleName,
		"session_id": sessionId,
		"adjusted":   len(result.Adjusted),
		"unchanged":  result.Unchanged,
		"uncounted":  result.Uncounted,
	}).Info("cycle count applied")
	return result, nil
}

// DiscardCycleCount drops a session without touching any bin.
func (e *Engine) DiscardCycleCount(ctx context.Context, sessionId string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.CycleCountSession{}).Where("id = ?", sessionId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return models.NewNotFoundError("cycle count", sessionId)
		}
		return deleteSession(tx, sessionId)
	})
}

func deleteSession(tx *gorm.DB, sessionId string) error {
	if err := tx.Where("session_id = ?", sessionId).Delete(&models.CycleCountEntry{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", sessionId).Delete(&models.CycleCountSession{}).Error
}
