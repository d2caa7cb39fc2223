package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const moduleName = "pipeline"

// BatchReadyEvent is delivered after commit once a batch has no active members left.
type BatchReadyEvent struct {
	BatchId   string                `json:"batch_id"`
	StageType models.BatchStageType `json:"stage_type"`
	At        time.Time             `json:"at"`
}

type BatchListener func(ctx context.Context, ev BatchReadyEvent)

// UnitLedger owns units, batches, memberships and the append-only audit trail.
type UnitLedger struct {
	db         *gorm.DB
	logger     *logrus.Logger
	maxRetries int

	mu        sync.RWMutex
	listeners []BatchListener
}

func NewUnitLedger(db *gorm.DB, logger *logrus.Logger, maxRetries int) *UnitLedger {
	if logger == nil {
		logger = config.GetLogger()
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &UnitLedger{db: db, logger: logger, maxRetries: maxRetries}
}

// OnBatchReady registers a listener for batch completion.
func (l *UnitLedger) OnBatchReady(fn BatchListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *UnitLedger) notify(ctx context.Context, events []BatchReadyEvent) {
	if len(events) == 0 {
		return
	}
	l.mu.RLock()
	listeners := append([]BatchListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, ev := range events {
		l.logger.WithFields(logrus.Fields{
			"module":     moduleName,
			"batch_id":   ev.BatchId,
			"stage_type": ev.StageType,
		}).Info("batch ready")
		for _, fn := range listeners {
			fn(ctx, ev)
		}
	}
}

// AuditInput is one audit trail line before its sequence number is assigned.
type AuditInput struct {
	Actor     string
	StageFrom models.Stage
	StageTo   models.Stage
	Message   string
}

// AppendAudit inserts the next audit entry for the unit. There is no update or delete path.
func (l *UnitLedger) AppendAudit(tx *gorm.DB, unitId string, in AuditInput) (*models.UnitAuditEntry, error) {
	var maxSeq int
	if err := tx.Model(&models.UnitAuditEntry{}).Where("unit_id = ?", unitId).
		Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return nil, err
	}
	actor := in.Actor
	if actor == "" {
		actor = utils.SystemActor
	}
	entry := models.UnitAuditEntry{
		UnitId:    unitId,
		Seq:       maxSeq + 1,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		StageFrom: in.StageFrom,
		StageTo:   in.StageTo,
		Message:   in.Message,
	}
	if err := tx.Create(&entry).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, models.NewConflictError("unit %s audit trail changed concurrently", unitId)
		}
		return nil, err
	}
	return &entry, nil
}

func (l *UnitLedger) CreateUnit(ctx context.Context, input models.NewUnit, actor string) (*models.ProductionUnit, error) {
	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}
	unit := models.ProductionUnit{
		ID:         uuid.NewString(),
		OrderId:    strings.TrimSpace(input.OrderId),
		ProductRef: strings.TrimSpace(input.ProductRef),
		Stage:      models.StagePlanned,
	}
	for _, m := range input.Materials {
		if !m.Qty.IsPositive() {
			return nil, models.NewValidationError("materials.qty", "must be greater than zero for %s", m.Sku)
		}
		unit.Materials = append(unit.Materials, models.UnitMaterial{Sku: strings.TrimSpace(m.Sku), Qty: m.Qty})
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&unit).Error; err != nil {
			return err
		}
		_, err := l.AppendAudit(tx, unit.ID, AuditInput{Actor: actor, StageTo: models.StagePlanned, Message: "unit created"})
		return err
	})
	if err != nil {
		config.LogError(l.logger, moduleName, "CreateUnit", "create unit", input, err)
		return nil, err
	}
	return &unit, nil
}

func (l *UnitLedger) CreateBatch(ctx context.Context, input models.NewBatch) (*models.Batch, error) {
	if !input.StageType.IsValid() {
		return nil, models.NewValidationError("stage_type", "must be KITTING or PACKING")
	}
	if input.FromDate != nil && input.ToDate != nil && input.ToDate.Before(*input.FromDate) {
		return nil, models.NewValidationError("to_date", "must not be before from_date")
	}
	batch := models.Batch{
		ID:        uuid.NewString(),
		StageType: input.StageType,
		Status:    models.BatchStatusOpen,
		FromDate:  input.FromDate,
		ToDate:    input.ToDate,
	}
	if err := l.db.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

func (l *UnitLedger) GetUnit(ctx context.Context, id string) (*models.ProductionUnit, error) {
	var unit models.ProductionUnit
	err := l.db.WithContext(ctx).
		Preload("Materials").
		Preload("AuditTrail", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("id = ?", id).First(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("unit", id)
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

type UnitQuery struct {
	models.Query
	Stage   models.Stage `form:"stage"`
	BatchId string       `form:"batch_id"`
	OrderId string       `form:"order_id"`
}

func (l *UnitLedger) ListUnits(ctx context.Context, q UnitQuery) (models.Page[models.ProductionUnit], error) {
	var page models.Page[models.ProductionUnit]
	db := l.db.WithContext(ctx).Model(&models.ProductionUnit{})
	if q.Stage != "" {
		if !q.Stage.IsValid() {
			return page, models.NewValidationError("stage", "invalid stage %q", q.Stage)
		}
		db = db.Where("stage = ?", q.Stage)
	}
	if q.BatchId != "" {
		db = db.Where("batch_id = ?", q.BatchId)
	}
	if q.OrderId != "" {
		db = db.Where("order_id = ?", q.OrderId)
	}
	db = db.Scopes(models.SearchLike(q.Search, "id", "order_id", "product_ref"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	if err := db.Scopes(models.Paginate(q.Query)).Order("created_at ASC, id ASC").Find(&page.Data).Error; err != nil {
		return page, err
	}
	return page, nil
}

func (l *UnitLedger) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	return loadBatch(l.db.WithContext(ctx).Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }), id)
}

func loadBatch(db *gorm.DB, id string) (*models.Batch, error) {
	var batch models.Batch
	err := db.Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("batch", id)
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// lockBatch re-reads the batch with a row lock so concurrent members leaving or
// joining the same batch serialise on it.
func lockBatch(tx *gorm.DB, id string) (*models.Batch, error) {
	return loadBatch(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

type BatchQuery struct {
	models.Query
	StageType models.BatchStageType `form:"stage_type"`
	Status    models.BatchStatus    `form:"status"`
}

func (l *UnitLedger) ListBatches(ctx context.Context, q BatchQuery) (models.Page[models.Batch], error) {
	var page models.Page[models.Batch]
	db := l.db.WithContext(ctx).Model(&models.Batch{})
	if q.StageType != "" {
		db = db.Where("stage_type = ?", q.StageType)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	db = db.Scopes(models.SearchLike(q.Search, "id"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	if err := db.Scopes(models.Paginate(q.Query)).Order("created_at DESC, id ASC").Find(&page.Data).Error; err != nil {
		return page, err
	}
	return page, nil
}

// loadUnit reads a unit inside tx. locking re-reads past a REPEATABLE READ snapshot.
func loadUnit(tx *gorm.DB, id string, locking bool) (*models.ProductionUnit, error) {
	var unit models.ProductionUnit
	q := tx.Where("id = ?", id)
	if locking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.First(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("unit", id)
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// updateUnit is the compare-and-adjust write on production_units.version.
// It reports false when the row moved since unit was read.
func updateUnit(tx *gorm.DB, unit *models.ProductionUnit, updates map[string]interface{}) (bool, error) {
	updates["version"] = unit.Version + 1
	res := tx.Model(&models.ProductionUnit{}).
		Where("id = ? AND version = ?", unit.ID, unit.Version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	unit.Version++
	return true, nil
}

// AssignToBatch makes the unit an active member of the batch.
func (l *UnitLedger) AssignToBatch(ctx context.Context, unitId string, batchId string, actor string) (*models.ProductionUnit, error) {
	var unit *models.ProductionUnit
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, _, err := l.assignTx(tx, unitId, batchId, actor)
		unit = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

func (l *UnitLedger) assignTx(tx *gorm.DB, unitId string, batchId string, actor string) (*models.ProductionUnit, *models.Batch, error) {
	batch, err := lockBatch(tx, batchId)
	if err != nil {
		return nil, nil, err
	}
	if batch.Status == models.BatchStatusComplete {
		return nil, nil, models.NewConflictError("batch %s is complete", batchId)
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		unit, err := loadUnit(tx, unitId, attempt > 0)
		if err != nil {
			return nil, nil, err
		}
		if unit.Stage != batch.StageType.EntryStage() && unit.Stage != batch.StageType.Stage() {
			return nil, nil, models.NewConflictError("unit %s in stage %s cannot join a %s batch", unitId, unit.Stage, batch.StageType)
		}
		if unit.BatchId != nil {
			return nil, nil, models.NewConflictError("unit %s already belongs to batch %s", unitId, *unit.BatchId)
		}

		var open int64
		if err := tx.Model(&models.BatchMember{}).
			Joins("JOIN batches ON batches.id = batch_members.batch_id").
			Where("batch_members.unit_id = ? AND batch_members.state = ?", unitId, models.MemberStateActive).
			Where("batches.stage_type = ? AND batches.status <> ?", batch.StageType, models.BatchStatusComplete).
			Count(&open).Error; err != nil {
			return nil, nil, err
		}
		if open > 0 {
			return nil, nil, models.NewConflictError("unit %s already belongs to an open %s batch", unitId, batch.StageType)
		}

		ok, err := updateUnit(tx, unit, map[string]interface{}{"batch_id": batch.ID})
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		unit.BatchId = &batch.ID

		if err := tx.Create(&models.BatchMember{
			BatchId:  batch.ID,
			UnitId:   unitId,
			State:    models.MemberStateActive,
			JoinedAt: time.Now().UTC(),
		}).Error; err != nil {
			return nil, nil, err
		}
		if _, err := l.AppendAudit(tx, unitId, AuditInput{
			Actor:     actor,
			StageFrom: unit.Stage,
			StageTo:   unit.Stage,
			Message:   "assigned to " + string(batch.StageType) + " batch " + batch.ID,
		}); err != nil {
			return nil, nil, err
		}
		return unit, batch, nil
	}
	return nil, nil, models.NewConflictError("unit %s: concurrent update, retries exhausted", unitId)
}

// RemoveFromBatch takes the unit out of its open batch. The membership row is kept as REMOVED.
func (l *UnitLedger) RemoveFromBatch(ctx context.Context, unitId string, actor string) (*models.ProductionUnit, error) {
	var unit *models.ProductionUnit
	var events []BatchReadyEvent
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events = nil
		for attempt := 0; attempt < l.maxRetries; attempt++ {
			u, err := loadUnit(tx, unitId, attempt > 0)
			if err != nil {
				return err
			}
			if u.BatchId == nil {
				return models.NewConflictError("unit %s is not in a batch", unitId)
			}
			batch, err := lockBatch(tx, *u.BatchId)
			if err != nil {
				return err
			}
			if batch.Status == models.BatchStatusComplete {
				return models.NewConflictError("batch %s is complete", batch.ID)
			}
			ok, err := updateUnit(tx, u, map[string]interface{}{"batch_id": nil})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			ev, err := l.leaveBatch(tx, batch, unitId, models.MemberStateRemoved)
			if err != nil {
				return err
			}
			if ev != nil {
				events = append(events, *ev)
			}
			if _, err := l.AppendAudit(tx, unitId, AuditInput{
				Actor:     actor,
				StageFrom: u.Stage,
				StageTo:   u.Stage,
				Message:   "removed from batch " + batch.ID,
			}); err != nil {
				return err
			}
			u.BatchId = nil
			unit = u
			return nil
		}
		return models.NewConflictError("unit %s: concurrent update, retries exhausted", unitId)
	})
	if err != nil {
		return nil, err
	}
	l.notify(ctx, events)
	return unit, nil
}

// leaveBatch moves the unit's active membership to state. When no active member
// remains it records batch.ready in the outbox and returns the event for post-commit delivery.
// The caller must hold the batch row lock (lockBatch).
func (l *UnitLedger) leaveBatch(tx *gorm.DB, batch *models.Batch, unitId string, state models.MemberState) (*BatchReadyEvent, error) {
	now := time.Now().UTC()
	res := tx.Model(&models.BatchMember{}).
		Where("batch_id = ? AND unit_id = ? AND state = ?", batch.ID, unitId, models.MemberStateActive).
		Updates(map[string]interface{}{"state": state, "left_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, models.NewIntegrityError("unit %s points at batch %s without an active membership", unitId, batch.ID)
	}

	remaining, err := activeMembers(tx.Clauses(clause.Locking{Strength: "UPDATE"}), batch.ID)
	if err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		return nil, nil
	}
	ev := BatchReadyEvent{BatchId: batch.ID, StageType: batch.StageType, At: now}
	if err := models.PublishEvent(tx.Statement.Context, tx, models.EventBatchReady, batch.ID, ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// markInProgress flips OPEN to IN_PROGRESS on the first advance into the batch stage.
func markInProgress(tx *gorm.DB, batchId string) error {
	return tx.Model(&models.Batch{}).
		Where("id = ? AND status = ?", batchId, models.BatchStatusOpen).
		Update("status", models.BatchStatusInProgress).Error
}

func activeMembers(tx *gorm.DB, batchId string) ([]string, error) {
	var ids []string
	err := tx.Model(&models.BatchMember{}).
		Where("batch_id = ? AND state = ?", batchId, models.MemberStateActive).
		Order("unit_id ASC").
		Pluck("unit_id", &ids).Error
	return ids, err
}

// IsBatchComplete reports whether every member has left the batch's stage.
func (l *UnitLedger) IsBatchComplete(ctx context.Context, batchId string) (bool, error) {
	db := l.db.WithContext(ctx)
	if _, err := loadBatch(db, batchId); err != nil {
		return false, err
	}
	remaining, err := activeMembers(db, batchId)
	if err != nil {
		return false, err
	}
	return len(remaining) == 0, nil
}

// BatchAccounting counts where every original member of the batch is now.
func (l *UnitLedger) BatchAccounting(ctx context.Context, batchId string) (*models.BatchAccounting, error) {
	db := l.db.WithContext(ctx)
	if _, err := loadBatch(db, batchId); err != nil {
		return nil, err
	}
	type row struct {
		State models.MemberState
		Count int
	}
	var rows []row
	if err := db.Model(&models.BatchMember{}).
		Select("state, COUNT(*) AS count").
		Where("batch_id = ?", batchId).
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	acc := &models.BatchAccounting{BatchId: batchId}
	for _, r := range rows {
		acc.Original += r.Count
		switch r.State {
		case models.MemberStateActive:
			acc.ActiveInStage = r.Count
		case models.MemberStateAdvanced:
			acc.Advanced = r.Count
		case models.MemberStateRemoved:
			acc.Removed = r.Count
		}
	}
	return acc, nil
}
