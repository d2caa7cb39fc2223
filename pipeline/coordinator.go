package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockAllocator is the slice of the allocation engine the coordinator drives
// inside its own transactions.
type StockAllocator interface {
	ConsumeUnitReservations(tx *gorm.DB, unitId string) error
	ReturnUnitStock(tx *gorm.DB, unitId string, actor string) ([]models.StockReservation, error)
}

type CoordinatorOptions struct {
	Workers             int
	MaxRetries          int
	AutoCompleteBatches bool
}

// Coordinator is the only writer of ProductionUnit.Stage.
type Coordinator struct {
	db     *gorm.DB
	ledger *UnitLedger
	alloc  StockAllocator
	logger *logrus.Logger
	tracer trace.Tracer

	workers    int
	maxRetries int
}

func NewCoordinator(db *gorm.DB, ledger *UnitLedger, alloc StockAllocator, logger *logrus.Logger, opts CoordinatorOptions) *Coordinator {
	if logger == nil {
		logger = config.GetLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	c := &Coordinator{
		db:         db,
		ledger:     ledger,
		alloc:      alloc,
		logger:     logger,
		tracer:     otel.Tracer("fulfillment/pipeline"),
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
	}
	if opts.AutoCompleteBatches {
		ledger.OnBatchReady(c.autoComplete)
	}
	return c
}

func (c *Coordinator) Ledger() *UnitLedger {
	return c.ledger
}

type AdvanceRequest struct {
	UnitId  string       `json:"unit_id"`
	From    models.Stage `json:"from" binding:"required"`
	To      models.Stage `json:"to" binding:"required"`
	Actor   string       `json:"-"`
	Message string       `json:"message"`
}

func validateAdvance(req AdvanceRequest) error {
	if strings.TrimSpace(req.UnitId) == "" {
		return models.NewValidationError("unit_id", "is required")
	}
	if !req.From.IsValid() {
		return models.NewValidationError("from", "invalid stage %q", req.From)
	}
	if !req.To.IsValid() {
		return models.NewValidationError("to", "invalid stage %q", req.To)
	}
	if !IsLegalTransition(req.From, req.To) {
		return &models.InvalidTransitionError{From: req.From, To: req.To}
	}
	if req.To == models.StageQCFailed && strings.TrimSpace(req.Message) == "" {
		return models.NewValidationError("message", "a reason is required when failing QC")
	}
	return nil
}

// Advance moves one unit from req.From to req.To.
func (c *Coordinator) Advance(ctx context.Context, req AdvanceRequest) (*models.ProductionUnit, error) {
	if err := validateAdvance(req); err != nil {
		return nil, err
	}
	var unit *models.ProductionUnit
	var events []BatchReadyEvent
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, evs, err := c.advanceTx(tx, req)
		unit, events = u, evs
		return err
	})
	if err != nil {
		c.logAdvanceError(req, err)
		return nil, err
	}
	c.ledger.notify(ctx, events)
	return unit, nil
}

func (c *Coordinator) logAdvanceError(req AdvanceRequest, err error) {
	var integrity *models.IntegrityError
	if errors.As(err, &integrity) {
		config.LogError(c.logger, moduleName, "Advance", "integrity violation", req, err)
		return
	}
	c.logger.WithFields(logrus.Fields{
		"module":  moduleName,
		"unit_id": req.UnitId,
		"from":    req.From,
		"to":      req.To,
	}).Info("advance rejected: " + err.Error())
}

func (c *Coordinator) advanceTx(tx *gorm.DB, req AdvanceRequest) (*models.ProductionUnit, []BatchReadyEvent, error) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		unit, err := loadUnit(tx, req.UnitId, attempt > 0)
		if err != nil {
			return nil, nil, err
		}
		if unit.Stage != req.From {
			return nil, nil, models.NewConflictError("unit %s is in stage %s, not %s", unit.ID, unit.Stage, req.From)
		}

		updates := map[string]interface{}{"stage": req.To}

		var leaving *models.Batch
		if _, held := batchStageFor(req.From); held && unit.BatchId != nil {
			leaving, err = lockBatch(tx, *unit.BatchId)
			if err != nil {
				return nil, nil, err
			}
			updates["batch_id"] = nil
		}

		var entering *models.Batch
		if bt, held := batchStageFor(req.To); held {
			if unit.BatchId == nil {
				return nil, nil, models.NewConflictError("unit %s must be assigned to a %s batch before entering %s", unit.ID, bt, req.To)
			}
			entering, err = lockBatch(tx, *unit.BatchId)
			if err != nil {
				return nil, nil, err
			}
			if entering.StageType != bt {
				return nil, nil, models.NewConflictError("unit %s belongs to a %s batch, not %s", unit.ID, entering.StageType, bt)
			}
			if entering.Status == models.BatchStatusComplete {
				return nil, nil, models.NewConflictError("batch %s is complete", entering.ID)
			}
		}

		ok, err := updateUnit(tx, unit, updates)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		fromStage := unit.Stage
		unit.Stage = req.To

		var events []BatchReadyEvent
		if leaving != nil {
			unit.BatchId = nil
			ev, err := c.ledger.leaveBatch(tx, leaving, unit.ID, models.MemberStateAdvanced)
			if err != nil {
				return nil, nil, err
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
		if entering != nil {
			if err := markInProgress(tx, entering.ID); err != nil {
				return nil, nil, err
			}
		}

		if fromStage == models.StageKitting && req.To == models.StageKitted {
			if err := c.alloc.ConsumeUnitReservations(tx, unit.ID); err != nil {
				return nil, nil, err
			}
		}

		message := req.Message
		if req.To == models.StageQCFailed {
			message = "QC failed: " + strings.TrimSpace(req.Message)
		}
		if _, err := c.ledger.AppendAudit(tx, unit.ID, AuditInput{
			Actor:     req.Actor,
			StageFrom: fromStage,
			StageTo:   req.To,
			Message:   message,
		}); err != nil {
			return nil, nil, err
		}

		switch req.To {
		case models.StageQCFailed:
			if err := c.reworkTx(tx, unit, req); err != nil {
				return nil, nil, err
			}
		case models.StageDispatched:
			if err := models.PublishEvent(tx.Statement.Context, tx, models.EventUnitDispatched, unit.ID, map[string]interface{}{
				"unit_id":     unit.ID,
				"order_id":    unit.OrderId,
				"product_ref": unit.ProductRef,
			}); err != nil {
				return nil, nil, err
			}
		}
		return unit, events, nil
	}
	return nil, nil, models.NewConflictError("unit %s: concurrent update, retries exhausted", req.UnitId)
}

// reworkTx returns the unit's stock and sends it straight back to PLANNED.
func (c *Coordinator) reworkTx(tx *gorm.DB, unit *models.ProductionUnit, req AdvanceRequest) error {
	returned, err := c.alloc.ReturnUnitStock(tx, unit.ID, actorOrSystem(req.Actor))
	if err != nil {
		return err
	}
	ok, err := updateUnit(tx, unit, map[string]interface{}{"stage": models.StagePlanned, "batch_id": nil})
	if err != nil {
		return err
	}
	if !ok {
		return models.NewConflictError("unit %s changed during QC rework", unit.ID)
	}
	unit.Stage = models.StagePlanned
	unit.BatchId = nil
	if _, err := c.ledger.AppendAudit(tx, unit.ID, AuditInput{
		Actor:     req.Actor,
		StageFrom: models.StageQCFailed,
		StageTo:   models.StagePlanned,
		Message:   "returned for rework: " + strings.TrimSpace(req.Message),
	}); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"module":       moduleName,
		"unit_id":      unit.ID,
		"reservations": len(returned),
	}).Info("QC failure returned stock")
	return nil
}

// AddToBatch assigns the unit and, when it waits at the batch's entry stage, advances it into the batch stage.
func (c *Coordinator) AddToBatch(ctx context.Context, unitId string, batchId string, actor string) (*models.ProductionUnit, error) {
	var unit *models.ProductionUnit
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, batch, err := c.ledger.assignTx(tx, unitId, batchId, actor)
		if err != nil {
			return err
		}
		unit = u
		if u.Stage != batch.StageType.EntryStage() {
			return nil
		}
		u, _, err = c.advanceTx(tx, AdvanceRequest{
			UnitId:  unitId,
			From:    u.Stage,
			To:      batch.StageType.Stage(),
			Actor:   actor,
			Message: "entered batch " + batch.ID,
		})
		unit = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// CompleteBatch closes a batch once every member has left its stage.
func (c *Coordinator) CompleteBatch(ctx context.Context, batchId string, actor string) (*models.Batch, error) {
	var batch *models.Batch
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, batchId)
		if err != nil {
			return err
		}
		if b.Status == models.BatchStatusComplete {
			return models.NewConflictError("batch %s is already complete", batchId)
		}
		remaining, err := activeMembers(tx.Clauses(clause.Locking{Strength: "UPDATE"}), batchId)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return &models.BatchIncompleteError{BatchId: batchId, Remaining: remaining}
		}
		now := time.Now().UTC()
		res := tx.Model(&models.Batch{}).
			Where("id = ? AND status <> ?", batchId, models.BatchStatusComplete).
			Updates(map[string]interface{}{"status": models.BatchStatusComplete, "completed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewConflictError("batch %s is already complete", batchId)
		}
		b.Status = models.BatchStatusComplete
		b.CompletedAt = &now
		batch = b
		return models.PublishEvent(ctx, tx, models.EventBatchCompleted, batchId, map[string]interface{}{
			"batch_id":   batchId,
			"stage_type": b.StageType,
			"actor":      actorOrSystem(actor),
		})
	})
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"batch_id": batchId,
		"actor":    actor,
	}).Info("batch completed")
	return batch, nil
}

func (c *Coordinator) autoComplete(ctx context.Context, ev BatchReadyEvent) {
	_, err := c.CompleteBatch(context.WithoutCancel(ctx), ev.BatchId, utils.SystemActor)
	if err == nil {
		return
	}
	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		return
	}
	config.LogError(c.logger, moduleName, "autoComplete", "complete batch", ev, err)
}

// AdvanceAll advances every active member independently; one failure never aborts the others.
// Results are ordered by unit id.
func (c *Coordinator) AdvanceAll(ctx context.Context, batchId string, to models.Stage, actor string) ([]models.UnitResult, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.AdvanceAll", trace.WithAttributes(
		attribute.String("batch_id", batchId),
		attribute.String("to", string(to)),
	))
	defer span.End()

	if !to.IsValid() {
		return nil, models.NewValidationError("to", "invalid stage %q", to)
	}
	db := c.db.WithContext(ctx)
	batch, err := loadBatch(db, batchId)
	if err != nil {
		return nil, err
	}
	if batch.Status == models.BatchStatusComplete {
		return nil, models.NewConflictError("batch %s is complete", batchId)
	}
	members, err := activeMembers(db, batchId)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("members", len(members)))

	results := make([]models.UnitResult, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, unitId := range members {
		g.Go(func() error {
			results[i] = c.advanceOne(gctx, unitId, to, actor, "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) advanceOne(ctx context.Context, unitId string, to models.Stage, actor string, message string) models.UnitResult {
	result := models.UnitResult{UnitId: unitId}
	var current models.ProductionUnit
	if err := c.db.WithContext(ctx).Select("id", "stage").Where("id = ?", unitId).First(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = models.NewNotFoundError("unit", unitId)
		}
		result.Error = err.Error()
		return result
	}
	_, err := c.Advance(ctx, AdvanceRequest{UnitId: unitId, From: current.Stage, To: to, Actor: actor, Message: message})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return utils.SystemActor
	}
	return actor
}
