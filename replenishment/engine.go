package replenishment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	moduleName = "replenishment"

	calculateLockKey = "rop:calculate"
	calculateJobKey  = "rop:calculate:job"
	calculateLockTTL = 30 * time.Minute
)

// StockLedger is what the engine needs from the bin ledger.
type StockLedger interface {
	OnHandTx(tx *gorm.DB, skus []string) (map[string]decimal.Decimal, error)
	Adjust(tx *gorm.DB, input inventory.AdjustInput) (*models.BinStock, error)
}

type Options struct {
	WindowDays          int
	DefaultLeadTimeDays int
	// Now is the clock used for the usage window. Defaults to time.Now.
	Now    func() time.Time
	Redis  *redis.Client
	Locker *redislock.Client
}

type Engine struct {
	db     *gorm.DB
	stock  StockLedger
	logger *logrus.Logger
	tracer trace.Tracer

	windowDays  int
	defaultLead int
	now         func() time.Time
	rdb         *redis.Client
	locker      *redislock.Client
	obtainLock  func(ctx context.Context) (func(), error)

	mu      sync.Mutex
	running string
}

func NewEngine(db *gorm.DB, stock StockLedger, logger *logrus.Logger, opts Options) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.DefaultLeadTimeDays <= 0 {
		opts.DefaultLeadTimeDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		db:          db,
		stock:       stock,
		logger:      logger,
		tracer:      otel.Tracer("fulfillment/replenishment"),
		windowDays:  opts.WindowDays,
		defaultLead: opts.DefaultLeadTimeDays,
		now:         opts.Now,
		rdb:         opts.Redis,
		locker:      opts.Locker,
	}
	e.obtainLock = func(ctx context.Context) (func(), error) {
		return utils.ObtainLock(ctx, e.locker, calculateLockKey, calculateLockTTL, moduleName, "Calculate")
	}
	return e
}

type CalculateOptions struct {
	DiscardOverrides bool `json:"discard_overrides"`
}

// Calculate recomputes every non-ORDERED ROP item and publishes the set in one transaction.
// Only one calculation runs at a time; a concurrent call gets CalculationInProgressError.
func (e *Engine) Calculate(ctx context.Context, opts CalculateOptions) (*models.CalculationRun, error) {
	run, release, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.execute(ctx, run, opts)
}

// Trigger starts a calculation in the background and returns its job id.
// When one is already running its id is returned instead.
func (e *Engine) Trigger(ctx context.Context, opts CalculateOptions) (string, error) {
	run, release, err := e.begin(ctx)
	var inProgress *models.CalculationInProgressError
	if errors.As(err, &inProgress) && inProgress.JobId != "" {
		return inProgress.JobId, nil
	}
	if err != nil {
		return "", err
	}
	go func() {
		defer release()
		_, _ = e.execute(context.WithoutCancel(ctx), run, opts)
	}()
	return run.ID, nil
}

// Running reports the id of the calculation in progress in this process, if any.
func (e *Engine) Running() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.running != ""
}

// begin claims the single-flight slot and records a RUNNING run. The local slot is
// taken first; the cross-process lock is obtained without holding e.mu.
func (e *Engine) begin(ctx context.Context) (*models.CalculationRun, func(), error) {
	run := &models.CalculationRun{
		ID:        uuid.NewString(),
		Status:    models.CalculationStatusRunning,
		StartedAt: e.now().UTC(),
	}
	e.mu.Lock()
	if e.running != "" {
		id := e.running
		e.mu.Unlock()
		return nil, nil, &models.CalculationInProgressError{JobId: id}
	}
	e.running = run.ID
	e.mu.Unlock()

	clearSlot := func() {
		e.mu.Lock()
		e.running = ""
		e.mu.Unlock()
	}
	unlock, err := e.obtainLock(ctx)
	if errors.Is(err, utils.ErrLockNotObtained) {
		clearSlot()
		return nil, nil, &models.CalculationInProgressError{JobId: e.remoteJobId(ctx)}
	}
	if err != nil {
		clearSlot()
		return nil, nil, err
	}

	release := func() {
		if e.rdb != nil {
			if err := e.rdb.Del(context.WithoutCancel(ctx), calculateJobKey).Err(); err != nil {
				config.LogError(e.logger, moduleName, "Calculate", "clear job id", run.ID, err)
			}
		}
		unlock()
		clearSlot()
	}

	if e.rdb != nil {
		if err := e.rdb.Set(ctx, calculateJobKey, run.ID, calculateLockTTL).Err(); err != nil {
			config.LogError(e.logger, moduleName, "Calculate", "publish job id", run.ID, err)
		}
	}
	if err := e.db.WithContext(ctx).Create(run).Error; err != nil {
		release()
		return nil, nil, err
	}
	return run, release, nil
}

func (e *Engine) remoteJobId(ctx context.Context) string {
	if e.rdb == nil {
		return ""
	}
	id, err := e.rdb.Get(ctx, calculateJobKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		config.LogError(e.logger, moduleName, "Calculate", "read job id", calculateJobKey, err)
	}
	return id
}

func (e *Engine) execute(ctx context.Context, run *models.CalculationRun, opts CalculateOptions) (*models.CalculationRun, error) {
	ctx, span := e.tracer.Start(ctx, "replenishment.Calculate", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.Bool("discard_overrides", opts.DiscardOverrides),
	))
	defer span.End()

	var count int
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := e.compute(tx, run.ID, opts)
		count = n
		return err
	})

	finished := time.Now().UTC()
	updates := map[string]interface{}{"finished_at": finished, "item_count": count, "status": models.CalculationStatusSucceeded}
	run.FinishedAt = &finished
	run.ItemCount = count
	run.Status = models.CalculationStatusSucceeded
	if err != nil {
		msg := err.Error()
		updates["status"] = models.CalculationStatusFailed
		updates["error"] = &msg
		updates["item_count"] = 0
		run.Status = models.CalculationStatusFailed
		run.Error = &msg
		run.ItemCount = 0
		config.LogError(e.logger, moduleName, "Calculate", "compute rop", run.ID, err)
	}
	if uerr := e.db.WithContext(context.WithoutCancel(ctx)).Model(&models.CalculationRun{}).
		Where("id = ?", run.ID).Updates(updates).Error; uerr != nil {
		config.LogError(e.logger, moduleName, "Calculate", "finish run", run.ID, uerr)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", count))
	e.logger.WithFields(logrus.Fields{
		"module": moduleName,
		"run_id": run.ID,
		"items":  count,
	}).Info("rop calculated")
	return run, nil
}

type usageStat struct {
	Sku   string
	Total decimal.Decimal
	Peak  decimal.Decimal
}

type primaryRate struct {
	VendorId     string
	Sku          string
	LeadTimeDays int
}

type skuQty struct {
	Sku string
	Qty decimal.Decimal
}

// compute replaces every non-ORDERED item with a fresh recommendation.
func (e *Engine) compute(tx *gorm.DB, runId string, opts CalculateOptions) (int, error) {
	today := startOfDay(e.now())
	from := today.AddDate(0, 0, -(e.windowDays - 1))
	to := today.AddDate(0, 0, 1)

	var usage []usageStat
	if err := tx.Model(&models.SkuUsage{}).
		Select("sku, SUM(quantity) AS total, MAX(quantity) AS peak").
		Where("usage_date >= ? AND usage_date < ?", from, to).
		Group("sku").
		Scan(&usage).Error; err != nil {
		return 0, err
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].Sku < usage[j].Sku })
	skus := make([]string, 0, len(usage))
	for _, u := range usage {
		skus = append(skus, u.Sku)
	}

	previous, err := e.loadOpenItems(tx)
	if err != nil {
		return 0, err
	}
	if err := e.deleteOpenItems(tx, previous); err != nil {
		return 0, err
	}
	if len(skus) == 0 {
		return 0, models.PublishEvent(tx.Statement.Context, tx, models.EventROPCalculated, runId, map[string]interface{}{"run_id": runId, "items": 0})
	}

	leads, err := primaryRates(tx, skus)
	if err != nil {
		return 0, err
	}
	onHand, err := e.stock.OnHandTx(tx, skus)
	if err != nil {
		return 0, err
	}
	pending, err := pendingDemand(tx, skus)
	if err != nil {
		return 0, err
	}
	inbound, err := openPurchaseQuantities(tx, skus)
	if err != nil {
		return 0, err
	}

	window := decimal.NewFromInt(int64(e.windowDays))
	items := make([]models.ROPItem, 0, len(usage))
	for _, u := range usage {
		lead := e.defaultLead
		var vendorId *string
		if r, ok := leads[u.Sku]; ok {
			vendorId = &r.VendorId
			if r.LeadTimeDays > 0 {
				lead = r.LeadTimeDays
			}
		}
		in := Inputs{
			AverageDailyUsage: u.Total.DivRound(window, 4),
			MaximumDailyUsage: u.Peak,
			LeadTimeDays:      lead,
			CurrentStock:      onHand[u.Sku],
			PendingQuantity:   pending[u.Sku],
			YetToBeReceived:   inbound[u.Sku],
		}
		fig := ComputeROP(in)
		item := models.ROPItem{
			Sku:               u.Sku,
			AverageDailyUsage: in.AverageDailyUsage,
			MaximumDailyUsage: in.MaximumDailyUsage,
			LeadTimeDays:      lead,
			LeadTimeDemand:    fig.LeadTimeDemand,
			SafetyStock:       fig.SafetyStock,
			Rop:               fig.Rop,
			CurrentStock:      in.CurrentStock,
			PendingQuantity:   in.PendingQuantity,
			YetToBeReceived:   in.YetToBeReceived,
			SuggestedQuantity: fig.SuggestedQuantity,
			PrimaryVendorId:   vendorId,
			Status:            models.ROPStatusPending,
			CalculationId:     runId,
		}
		if old, ok := previous[u.Sku]; ok && !opts.DiscardOverrides {
			carryOverrides(&item, old)
		}
		items = append(items, item)
	}
	if err := tx.Create(&items).Error; err != nil {
		return 0, err
	}
	return len(items), models.PublishEvent(tx.Statement.Context, tx, models.EventROPCalculated, runId, map[string]interface{}{
		"run_id": runId,
		"items":  len(items),
	})
}

// carryOverrides copies the operator's quantity and vendor splits onto a fresh item.
func carryOverrides(item *models.ROPItem, old models.ROPItem) {
	if old.AdjustedQuantity == nil && len(old.VendorSplits) == 0 {
		return
	}
	if old.AdjustedQuantity != nil {
		q := *old.AdjustedQuantity
		item.AdjustedQuantity = &q
	} else {
		// splits were sized against the old suggestion; pin it so they still add up
		q := sumSplits(old.VendorSplits)
		item.AdjustedQuantity = &q
	}
	for _, s := range old.VendorSplits {
		item.VendorSplits = append(item.VendorSplits, models.ROPVendorSplit{VendorId: s.VendorId, Quantity: s.Quantity, Rate: s.Rate})
	}
	item.Status = models.ROPStatusAdjusted
}

func (e *Engine) loadOpenItems(tx *gorm.DB) (map[string]models.ROPItem, error) {
	var items []models.ROPItem
	if err := tx.Preload("VendorSplits", func(db *gorm.DB) *gorm.DB { return db.Order("vendor_id ASC") }).
		Where("status <> ?", models.ROPStatusOrdered).
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	out := make(map[string]models.ROPItem, len(items))
	for _, it := range items {
		out[it.Sku] = it
	}
	return out, nil
}

func (e *Engine) deleteOpenItems(tx *gorm.DB, previous map[string]models.ROPItem) error {
	if len(previous) == 0 {
		return nil
	}
	ids := make([]int, 0, len(previous))
	for _, it := range previous {
		ids = append(ids, it.ID)
	}
	if err := tx.Where("rop_item_id IN ?", ids).Delete(&models.ROPVendorSplit{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ? AND status <> ?", ids, models.ROPStatusOrdered).Delete(&models.ROPItem{}).Error
}

// primaryRates picks the primary vendor rate per SKU among active vendors; lowest vendor id wins ties.
func primaryRates(tx *gorm.DB, skus []string) (map[string]primaryRate, error) {
	var rows []primaryRate
	if err := tx.Model(&models.VendorRate{}).
		Select("vendor_rates.vendor_id, vendor_rates.sku, vendor_rates.lead_time_days").
		Joins("JOIN vendors ON vendors.id = vendor_rates.vendor_id").
		Where("vendor_rates.sku IN ? AND vendor_rates.is_primary = ? AND vendors.is_active = ?", skus, true, true).
		Order("vendor_rates.sku ASC, vendor_rates.vendor_id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]primaryRate, len(rows))
	for _, r := range rows {
		if _, seen := out[r.Sku]; !seen {
			out[r.Sku] = r
		}
	}
	return out, nil
}

// pendingDemand is the material demand of PLANNED units that hold no reservations yet.
func pendingDemand(tx *gorm.DB, skus []string) (map[string]decimal.Decimal, error) {
	var rows []skuQty
	if err := tx.Model(&models.UnitMaterial{}).
		Select("unit_materials.sku, SUM(unit_materials.qty) AS qty").
		Joins("JOIN production_units ON production_units.id = unit_materials.unit_id").
		Where("production_units.stage = ? AND unit_materials.sku IN ?", models.StagePlanned, skus).
		Where("NOT EXISTS (SELECT 1 FROM stock_reservations WHERE stock_reservations.unit_id = production_units.id)").
		Group("unit_materials.sku").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toMap(rows), nil
}

// openPurchaseQuantities is ordered-but-not-received quantity on live purchase orders.
func openPurchaseQuantities(tx *gorm.DB, skus []string) (map[string]decimal.Decimal, error) {
	var rows []skuQty
	if err := tx.Model(&models.PurchaseOrderLine{}).
		Select("purchase_order_lines.sku, SUM(purchase_order_lines.quantity - purchase_order_lines.received_qty) AS qty").
		Joins("JOIN purchase_orders ON purchase_orders.id = purchase_order_lines.purchase_order_id").
		Where("purchase_orders.status IN ? AND purchase_order_lines.sku IN ?",
			[]models.PurchaseOrderStatus{models.PurchaseOrderStatusIssued, models.PurchaseOrderStatusPartiallyReceived}, skus).
		Group("purchase_order_lines.sku").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toMap(rows), nil
}

func toMap(rows []skuQty) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		if r.Qty.IsPositive() {
			out[r.Sku] = r.Qty
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (e *Engine) GetRun(ctx context.Context, id string) (*models.CalculationRun, error) {
	var run models.CalculationRun
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("calculation run", id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
