package inventory

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const moduleName = "inventory"

const defaultMaxRetries = 5

// BinLedger owns bin quantities. Every write is a compare-and-adjust on BinStock.Version
// and leaves a StockMovement row behind.
type BinLedger struct {
	db         *gorm.DB
	logger     *logrus.Logger
	maxRetries int
}

func NewBinLedger(db *gorm.DB, logger *logrus.Logger, maxRetries int) *BinLedger {
	if logger == nil {
		logger = config.GetLogger()
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &BinLedger{db: db, logger: logger, maxRetries: maxRetries}
}

// AdjustInput describes one signed change to the quantity of a SKU in a bin.
type AdjustInput struct {
	BinId       int
	Sku         string
	Delta       decimal.Decimal
	Reason      models.MovementReason
	ReferenceId string
	Actor       string
}

type movement struct {
	reason      models.MovementReason
	referenceId string
	actor       string
}

func (l *BinLedger) CreateBin(ctx context.Context, input models.NewBin) (*models.Bin, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, models.NewValidationError("name", "is required")
	}
	bin := models.Bin{
		Name:     name,
		Category: strings.TrimSpace(input.Category),
		IsActive: utils.NewTrue(),
	}
	if err := l.db.WithContext(ctx).Create(&bin).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, models.NewConflictError("bin %q already exists", name)
		}
		config.LogError(l.logger, moduleName, "CreateBin", "create bin", input, err)
		return nil, err
	}
	return &bin, nil
}

func (l *BinLedger) GetBin(ctx context.Context, id int) (*models.Bin, error) {
	var bin models.Bin
	err := l.db.WithContext(ctx).
		Preload("Stocks", func(db *gorm.DB) *gorm.DB { return db.Order("sku ASC") }).
		Where("id = ?", id).First(&bin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("bin", id)
	}
	if err != nil {
		return nil, err
	}
	return &bin, nil
}

func (l *BinLedger) ListBins(ctx context.Context, q models.Query) (models.Page[models.Bin], error) {
	var page models.Page[models.Bin]
	db := l.db.WithContext(ctx).Model(&models.Bin{}).Scopes(models.SearchLike(q.Search, "name", "category"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	if err := db.Scopes(models.Paginate(q)).Order("id ASC").Find(&page.Data).Error; err != nil {
		return page, err
	}
	return page, nil
}

// ListStock returns BinStock rows, optionally for one SKU, in pick order.
func (l *BinLedger) ListStock(ctx context.Context, sku string, q models.Query) (models.Page[models.BinStock], error) {
	var page models.Page[models.BinStock]
	db := l.db.WithContext(ctx).Model(&models.BinStock{})
	if sku = strings.TrimSpace(sku); sku != "" {
		db = db.Where("sku = ?", sku)
	}
	db = db.Scopes(models.SearchLike(q.Search, "sku"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	if err := db.Scopes(models.Paginate(q)).Order("bin_id ASC, sku ASC").Find(&page.Data).Error; err != nil {
		return page, err
	}
	return page, nil
}

func (l *BinLedger) ListMovements(ctx context.Context, sku string, q models.Query) (models.Page[models.StockMovement], error) {
	var page models.Page[models.StockMovement]
	db := l.db.WithContext(ctx).Model(&models.StockMovement{})
	if sku = strings.TrimSpace(sku); sku != "" {
		db = db.Where("sku = ?", sku)
	}
	db = db.Scopes(models.SearchLike(q.Search, "sku", "reference_id"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	if err := db.Scopes(models.Paginate(q)).Order("id DESC").Find(&page.Data).Error; err != nil {
		return page, err
	}
	return page, nil
}

// Receive puts qty of sku into a bin outside of any purchase order.
func (l *BinLedger) Receive(ctx context.Context, binId int, sku string, qty decimal.Decimal, referenceId string, actor string) (*models.BinStock, error) {
	if !qty.IsPositive() {
		return nil, models.NewValidationError("qty", "must be greater than zero")
	}
	var stock *models.BinStock
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := l.Adjust(tx, AdjustInput{
			BinId:       binId,
			Sku:         sku,
			Delta:       qty,
			Reason:      models.MovementReasonManual,
			ReferenceId: referenceId,
			Actor:       actor,
		})
		stock = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return stock, nil
}

// Adjust applies a signed delta inside tx, creating the BinStock row on first receipt.
func (l *BinLedger) Adjust(tx *gorm.DB, input AdjustInput) (*models.BinStock, error) {
	sku := strings.TrimSpace(input.Sku)
	if sku == "" {
		return nil, models.NewValidationError("sku", "is required")
	}
	if input.Delta.IsZero() {
		return nil, models.NewValidationError("delta", "must not be zero")
	}
	mv := movement{reason: input.Reason, referenceId: input.ReferenceId, actor: input.Actor}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		var stock models.BinStock
		err := tx.Where("bin_id = ? AND sku = ?", input.BinId, sku).First(&stock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if input.Delta.IsNegative() {
				return nil, &models.InsufficientStockError{Shortages: []models.Shortage{{Sku: sku, Required: input.Delta.Neg(), Available: decimal.Zero}}}
			}
			created, err := l.createStock(tx, input.BinId, sku, input.Delta, mv)
			if errors.Is(err, errStockRowRace) {
				continue
			}
			return created, err
		}
		if err != nil {
			return nil, err
		}
		updated, _, err := l.adjustStock(tx, stock.ID, func(current models.BinStock) (decimal.Decimal, error) {
			return input.Delta, nil
		}, mv)
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, models.NewConflictError("bin %d sku %s: concurrent update, retries exhausted", input.BinId, sku)
}

var errStockRowRace = errors.New("bin stock row created concurrently")

func (l *BinLedger) createStock(tx *gorm.DB, binId int, sku string, qty decimal.Decimal, mv movement) (*models.BinStock, error) {
	var binCount int64
	if err := tx.Model(&models.Bin{}).Where("id = ?", binId).Count(&binCount).Error; err != nil {
		return nil, err
	}
	if binCount == 0 {
		return nil, models.NewNotFoundError("bin", binId)
	}
	stock := models.BinStock{BinId: binId, Sku: sku, Qty: qty, Version: 1}
	if err := tx.Create(&stock).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, errStockRowRace
		}
		return nil, err
	}
	if err := l.recordMovement(tx, stock, qty, mv); err != nil {
		return nil, err
	}
	return &stock, nil
}

// takeUpTo removes min(want, available) from a BinStock row and reports the amount taken.
func (l *BinLedger) takeUpTo(tx *gorm.DB, stockId int, want decimal.Decimal, mv movement) (decimal.Decimal, error) {
	_, delta, err := l.adjustStock(tx, stockId, func(current models.BinStock) (decimal.Decimal, error) {
		take := decimal.Min(want, current.Qty)
		if !take.IsPositive() {
			return decimal.Zero, nil
		}
		return take.Neg(), nil
	}, mv)
	if err != nil {
		return decimal.Zero, err
	}
	return delta.Neg(), nil
}

// adjustStock is the compare-and-adjust loop. deltaFn sees the freshly read row and
// returns the signed change; zero skips the write. A lost race re-reads with a
// locking read so REPEATABLE READ snapshots do not hide the newer version.
func (l *BinLedger) adjustStock(tx *gorm.DB, stockId int, deltaFn func(current models.BinStock) (decimal.Decimal, error), mv movement) (models.BinStock, decimal.Decimal, error) {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		var stock models.BinStock
		q := tx.Where("id = ?", stockId)
		if attempt > 0 {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.First(&stock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return stock, decimal.Zero, models.NewNotFoundError("bin stock", stockId)
		}
		if err != nil {
			return stock, decimal.Zero, err
		}
		if stock.Qty.IsNegative() {
			ierr := models.NewIntegrityError("bin %d sku %s holds negative quantity %s", stock.BinId, stock.Sku, stock.Qty.String())
			config.LogError(l.logger, moduleName, "adjustStock", "negative stored quantity", stock, ierr)
			return stock, decimal.Zero, ierr
		}

		delta, err := deltaFn(stock)
		if err != nil {
			return stock, decimal.Zero, err
		}
		if delta.IsZero() {
			return stock, decimal.Zero, nil
		}
		newQty := stock.Qty.Add(delta)
		if newQty.IsNegative() {
			return stock, decimal.Zero, &models.InsufficientStockError{Shortages: []models.Shortage{{Sku: stock.Sku, Required: delta.Neg(), Available: stock.Qty}}}
		}

		res := tx.Model(&models.BinStock{}).
			Where("id = ? AND version = ?", stock.ID, stock.Version).
			Updates(map[string]interface{}{
				"qty":     newQty,
				"version": stock.Version + 1,
			})
		if res.Error != nil {
			return stock, decimal.Zero, res.Error
		}
		if res.RowsAffected == 0 {
			l.logger.WithFields(logrus.Fields{
				"module":   moduleName,
				"stock_id": stock.ID,
				"version":  stock.Version,
				"attempt":  attempt + 1,
			}).Debug("bin stock version moved, retrying")
			continue
		}

		stock.Qty = newQty
		stock.Version++
		if err := l.recordMovement(tx, stock, delta, mv); err != nil {
			return stock, decimal.Zero, err
		}
		return stock, delta, nil
	}
	return models.BinStock{}, decimal.Zero, models.NewConflictError("bin stock %d: concurrent update, retries exhausted", stockId)
}

// adjustAtVersion applies delta only if the row is still at expectedVersion. No retry.
func (l *BinLedger) adjustAtVersion(tx *gorm.DB, stock models.BinStock, expectedVersion int, delta decimal.Decimal, mv movement) (bool, error) {
	newQty := stock.Qty.Add(delta)
	if newQty.IsNegative() {
		return false, models.NewValidationError("counted_qty", "would drive bin %d sku %s negative", stock.BinId, stock.Sku)
	}
	res := tx.Model(&models.BinStock{}).
		Where("id = ? AND version = ?", stock.ID, expectedVersion).
		Updates(map[string]interface{}{
			"qty":     newQty,
			"version": expectedVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	stock.Qty = newQty
	stock.Version = expectedVersion + 1
	return true, l.recordMovement(tx, stock, delta, mv)
}

func (l *BinLedger) recordMovement(tx *gorm.DB, stock models.BinStock, delta decimal.Decimal, mv movement) error {
	reason := mv.reason
	if reason == "" {
		reason = models.MovementReasonManual
	}
	actor := mv.actor
	if actor == "" {
		actor = utils.SystemActor
	}
	return tx.Create(&models.StockMovement{
		BinId:       stock.BinId,
		Sku:         stock.Sku,
		Delta:       delta,
		QtyAfter:    stock.Qty,
		Reason:      reason,
		ReferenceId: mv.referenceId,
		Actor:       actor,
	}).Error
}

// OnHand sums bin quantities per SKU. An empty skus slice returns every SKU.
func (l *BinLedger) OnHand(ctx context.Context, skus []string) (map[string]decimal.Decimal, error) {
	return onHand(l.db.WithContext(ctx), skus)
}

// OnHandTx is OnHand inside an existing transaction.
func (l *BinLedger) OnHandTx(tx *gorm.DB, skus []string) (map[string]decimal.Decimal, error) {
	return onHand(tx, skus)
}

func onHand(db *gorm.DB, skus []string) (map[string]decimal.Decimal, error) {
	type row struct {
		Sku string
		Qty decimal.Decimal
	}
	var rows []row
	q := db.Model(&models.BinStock{}).Select("sku, SUM(qty) AS qty").Group("sku")
	if len(skus) > 0 {
		q = q.Where("sku IN ?", utils.UniqueSlice(skus))
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, s := range skus {
		out[s] = decimal.Zero
	}
	for _, r := range rows {
		out[r.Sku] = r.Qty
	}
	return out, nil
}

// sortedKeys returns map keys in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
