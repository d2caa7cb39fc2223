package inventory

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Requirement is a quantity of one SKU.
type Requirement struct {
	Sku string          `json:"sku" binding:"required" validate:"required"`
	Qty decimal.Decimal `json:"qty"`
}

type ItemAvailability struct {
	Sku        string          `json:"sku"`
	Required   decimal.Decimal `json:"required"`
	Available  decimal.Decimal `json:"available"`
	Sufficient bool            `json:"sufficient"`
}

type AvailabilityReport struct {
	CanFulfill bool               `json:"can_fulfill"`
	PerItem    []ItemAvailability `json:"per_item"`
}

type UnitRequirement struct {
	UnitId string        `json:"unit_id" binding:"required" validate:"required"`
	Items  []Requirement `json:"items" binding:"required,dive" validate:"required,dive"`
}

// PickResult is the per-unit outcome of AutoPick. Err carries the typed error for callers.
type PickResult struct {
	UnitId       string                    `json:"unit_id"`
	Success      bool                      `json:"success"`
	Reservations []models.StockReservation `json:"reservations,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Err          error                     `json:"-"`
}

type Options struct {
	Workers             int
	MaxCycleCountSample int
	// Rand drives cycle count sampling; nil seeds from the clock.
	Rand *rand.Rand
}

// Engine allocates bin stock to production units and runs cycle counts.
type Engine struct {
	db     *gorm.DB
	ledger *BinLedger
	logger *logrus.Logger
	tracer trace.Tracer

	workers   int
	maxSample int

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewEngine(db *gorm.DB, ledger *BinLedger, logger *logrus.Logger, opts Options) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxCycleCountSample <= 0 {
		opts.MaxCycleCountSample = 500
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		db:        db,
		ledger:    ledger,
		logger:    logger,
		tracer:    otel.Tracer("fulfillment/inventory"),
		workers:   opts.Workers,
		maxSample: opts.MaxCycleCountSample,
		rng:       rng,
	}
}

func (e *Engine) Ledger() *BinLedger {
	return e.ledger
}

// mergeRequirements validates and sums requirements per SKU.
func mergeRequirements(items []Requirement) (map[string]decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, models.NewValidationError("items", "at least one item is required")
	}
	out := make(map[string]decimal.Decimal, len(items))
	for _, it := range items {
		sku := strings.TrimSpace(it.Sku)
		if sku == "" {
			return nil, models.NewValidationError("sku", "is required")
		}
		if !it.Qty.IsPositive() {
			return nil, models.NewValidationError("qty", "must be greater than zero for %s", sku)
		}
		out[sku] = out[sku].Add(it.Qty)
	}
	return out, nil
}

// CheckAvailability is read-only. Requirements for the same SKU are summed.
func (e *Engine) CheckAvailability(ctx context.Context, items []Requirement) (*AvailabilityReport, error) {
	need, err := mergeRequirements(items)
	if err != nil {
		return nil, err
	}
	skus := sortedKeys(need)
	onHand, err := e.ledger.OnHand(ctx, skus)
	if err != nil {
		return nil, err
	}
	report := &AvailabilityReport{CanFulfill: true}
	for _, sku := range skus {
		avail := onHand[sku]
		ok := avail.GreaterThanOrEqual(need[sku])
		if !ok {
			report.CanFulfill = false
		}
		report.PerItem = append(report.PerItem, ItemAvailability{
			Sku:        sku,
			Required:   need[sku],
			Available:  avail,
			Sufficient: ok,
		})
	}
	return report, nil
}

// AutoPick reserves stock for each unit independently. A unit is all-or-nothing:
// either every requirement is reserved or nothing is.
func (e *Engine) AutoPick(ctx context.Context, reqs []UnitRequirement) ([]PickResult, error) {
	ctx, span := e.tracer.Start(ctx, "inventory.AutoPick", trace.WithAttributes(attribute.Int("units", len(reqs))))
	defer span.End()

	results := make([]PickResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range reqs {
		g.Go(func() error {
			results[i] = e.pickUnit(gctx, reqs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) pickUnit(ctx context.Context, req UnitRequirement) PickResult {
	result := PickResult{UnitId: req.UnitId}
	fail := func(err error) PickResult {
		result.Success = false
		result.Err = err
		result.Error = err.Error()
		return result
	}

	if strings.TrimSpace(req.UnitId) == "" {
		return fail(models.NewValidationError("unit_id", "is required"))
	}
	need, err := mergeRequirements(req.Items)
	if err != nil {
		return fail(err)
	}
	actor := utils.ActorOrSystem(ctx)

	var reserved []models.StockReservation
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reserved = nil
		// the unit row lock serializes picks for the same unit
		var unit models.ProductionUnit
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", req.UnitId).Take(&unit).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewNotFoundError("unit", req.UnitId)
		}
		if err != nil {
			return err
		}
		var held int64
		if err := tx.Model(&models.StockReservation{}).Where("unit_id = ?", req.UnitId).Count(&held).Error; err != nil {
			return err
		}
		if held > 0 {
			return models.NewConflictError("unit %s already holds %d reservation(s)", req.UnitId, held)
		}

		var shortages []models.Shortage
		mv := movement{reason: models.MovementReasonAutoPick, referenceId: req.UnitId, actor: actor}
		for _, sku := range sortedKeys(need) {
			var stocks []models.BinStock
			if err := tx.Where("sku = ? AND qty > 0", sku).Order("bin_id ASC").Find(&stocks).Error; err != nil {
				return err
			}
			remaining := need[sku]
			for _, s := range stocks {
				if !remaining.IsPositive() {
					break
				}
				taken, err := e.ledger.takeUpTo(tx, s.ID, remaining, mv)
				if err != nil {
					return err
				}
				if !taken.IsPositive() {
					continue
				}
				r := models.StockReservation{
					UnitId: req.UnitId,
					Sku:    sku,
					BinId:  s.BinId,
					Qty:    taken,
					Status: models.ReservationStatusReserved,
				}
				if err := tx.Create(&r).Error; err != nil {
					return err
				}
				reserved = append(reserved, r)
				remaining = remaining.Sub(taken)
			}
			if remaining.IsPositive() {
				shortages = append(shortages, models.Shortage{
					Sku:       sku,
					Required:  need[sku],
					Available: need[sku].Sub(remaining),
				})
			}
		}
		if len(shortages) > 0 {
			return &models.InsufficientStockError{UnitId: req.UnitId, Shortages: shortages}
		}
		return nil
	})
	if err != nil {
		var integrity *models.IntegrityError
		if errors.As(err, &integrity) {
			config.LogError(e.logger, moduleName, "AutoPick", "integrity violation", req, err)
		} else {
			e.logger.WithFields(logrus.Fields{
				"module":  moduleName,
				"unit_id": req.UnitId,
			}).Info("auto-pick skipped unit: " + err.Error())
		}
		return fail(err)
	}
	result.Success = true
	result.Reservations = reserved
	return result
}

// AutoPickUnits derives requirements from each unit's stored materials.
func (e *Engine) AutoPickUnits(ctx context.Context, unitIds []string) ([]PickResult, error) {
	unitIds = utils.UniqueSlice(unitIds)
	if len(unitIds) == 0 {
		return nil, models.NewValidationError("unit_ids", "at least one unit is required")
	}
	var materials []models.UnitMaterial
	if err := e.db.WithContext(ctx).Where("unit_id IN ?", unitIds).Order("id ASC").Find(&materials).Error; err != nil {
		return nil, err
	}
	byUnit := make(map[string][]Requirement, len(unitIds))
	for _, m := range materials {
		byUnit[m.UnitId] = append(byUnit[m.UnitId], Requirement{Sku: m.Sku, Qty: m.Qty})
	}
	reqs := make([]UnitRequirement, 0, len(unitIds))
	for _, id := range unitIds {
		reqs = append(reqs, UnitRequirement{UnitId: id, Items: byUnit[id]})
	}
	return e.AutoPick(ctx, reqs)
}

// ListReservations returns every reservation a unit holds.
func (e *Engine) ListReservations(ctx context.Context, unitId string) ([]models.StockReservation, error) {
	var rows []models.StockReservation
	err := e.db.WithContext(ctx).Where("unit_id = ?", unitId).Order("id ASC").Find(&rows).Error
	return rows, err
}
