package inventory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) (*gorm.DB, *Engine) {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := config.NewLogger("error")
	ledger := NewBinLedger(db, logger, 5)
	return db, NewEngine(db, ledger, logger, Options{Workers: 4, MaxCycleCountSample: 50, Rand: rand.New(rand.NewSource(1))})
}

func TestAutoPick_SpansBinsInAscendingOrder(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedBin(t, db, 2, "B")
	testutil.SeedStock(t, db, 1, "S1", "5")
	testutil.SeedStock(t, db, 2, "S1", "3")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)

	results, err := engine.AutoPick(ctx, []UnitRequirement{{
		UnitId: unit.ID,
		Items:  []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "6")}},
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)

	assert.True(t, testutil.StockQty(t, db, 1, "S1").IsZero())
	assert.True(t, testutil.StockQty(t, db, 2, "S1").Equal(testutil.Dec(t, "2")))

	reservations, err := engine.ListReservations(ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, reservations, 2)
	assert.Equal(t, 1, reservations[0].BinId)
	assert.True(t, reservations[0].Qty.Equal(testutil.Dec(t, "5")))
	assert.Equal(t, 2, reservations[1].BinId)
	assert.True(t, reservations[1].Qty.Equal(testutil.Dec(t, "1")))
	assert.Equal(t, models.ReservationStatusReserved, reservations[0].Status)

	var movements int64
	require.NoError(t, db.Model(&models.StockMovement{}).Where("reason = ?", models.MovementReasonAutoPick).Count(&movements).Error)
	assert.Equal(t, int64(2), movements)
}

func TestAutoPick_InsufficientStockLeavesNothingReserved(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "5")
	testutil.SeedStock(t, db, 1, "S2", "1")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)

	results, err := engine.AutoPick(ctx, []UnitRequirement{{
		UnitId: unit.ID,
		Items: []Requirement{
			{Sku: "S1", Qty: testutil.Dec(t, "2")},
			{Sku: "S2", Qty: testutil.Dec(t, "4")},
		},
	}})
	require.NoError(t, err)
	require.False(t, results[0].Success)

	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(results[0].Err, &insufficient))
	require.Len(t, insufficient.Shortages, 1)
	assert.Equal(t, "S2", insufficient.Shortages[0].Sku)

	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "5")))
	assert.True(t, testutil.StockQty(t, db, 1, "S2").Equal(testutil.Dec(t, "1")))
	reservations, err := engine.ListReservations(ctx, unit.ID)
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

func TestAutoPick_RejectsUnitAlreadyHoldingReservations(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "10")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)
	req := []UnitRequirement{{UnitId: unit.ID, Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "2")}}}}

	first, err := engine.AutoPick(ctx, req)
	require.NoError(t, err)
	require.True(t, first[0].Success)

	second, err := engine.AutoPick(ctx, req)
	require.NoError(t, err)
	require.False(t, second[0].Success)
	var conflict *models.ConflictError
	assert.True(t, errors.As(second[0].Err, &conflict))
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "8")))
}

func TestAutoPick_SameUnitTwiceInOneBatchReservesOnce(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "10")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)
	req := UnitRequirement{UnitId: unit.ID, Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "3")}}}

	results, err := engine.AutoPick(ctx, []UnitRequirement{req, req})
	require.NoError(t, err)
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			continue
		}
		var conflict *models.ConflictError
		assert.True(t, errors.As(r.Err, &conflict))
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "7")))
	reservations, err := engine.ListReservations(ctx, unit.ID)
	require.NoError(t, err)
	assert.Len(t, reservations, 1)
}

func TestAutoPick_UnknownUnitIsNotFound(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "10")
	results, err := engine.AutoPick(ctx, []UnitRequirement{{UnitId: "missing-unit", Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "1")}}}})
	require.NoError(t, err)
	require.False(t, results[0].Success)
	var notFound *models.NotFoundError
	assert.True(t, errors.As(results[0].Err, &notFound))
}

func TestAutoPick_ConcurrentUnitsNeverOverAllocate(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedBin(t, db, 2, "B")
	testutil.SeedStock(t, db, 1, "S1", "4")
	testutil.SeedStock(t, db, 2, "S1", "3")

	var reqs []UnitRequirement
	for i := 0; i < 10; i++ {
		u := testutil.SeedUnit(t, db, models.StageKitting, nil)
		reqs = append(reqs, UnitRequirement{UnitId: u.ID, Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "2")}}})
	}

	results, err := engine.AutoPick(ctx, reqs)
	require.NoError(t, err)

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			continue
		}
		var insufficient *models.InsufficientStockError
		assert.True(t, errors.As(r.Err, &insufficient), r.Error)
	}
	assert.Equal(t, 3, succeeded)

	var total decimal.Decimal
	var reservations []models.StockReservation
	require.NoError(t, db.Find(&reservations).Error)
	for _, r := range reservations {
		total = total.Add(r.Qty)
	}
	assert.True(t, total.Equal(testutil.Dec(t, "6")))
	assert.False(t, testutil.StockQty(t, db, 1, "S1").IsNegative())
	assert.False(t, testutil.StockQty(t, db, 2, "S1").IsNegative())
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Add(testutil.StockQty(t, db, 2, "S1")).Equal(testutil.Dec(t, "1")))
}

func TestAutoPickUnits_UsesStoredMaterials(t *testing.T) {
	db, engine := newTestEngine(t)

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "5")
	testutil.SeedStock(t, db, 1, "S2", "5")
	unit := testutil.SeedUnit(t, db, models.StageKitting, map[string]string{"S1": "2", "S2": "1"})
	bare := testutil.SeedUnit(t, db, models.StageKitting, nil)

	results, err := engine.AutoPickUnits(context.Background(), []string{unit.ID, bare.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success, results[0].Error)
	assert.Len(t, results[0].Reservations, 2)

	var validation *models.ValidationError
	assert.False(t, results[1].Success)
	assert.True(t, errors.As(results[1].Err, &validation))
}

func TestCheckAvailability_SumsSameSku(t *testing.T) {
	db, engine := newTestEngine(t)

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedBin(t, db, 2, "B")
	testutil.SeedStock(t, db, 1, "S1", "3")
	testutil.SeedStock(t, db, 2, "S1", "2")

	report, err := engine.CheckAvailability(context.Background(), []Requirement{
		{Sku: "S1", Qty: testutil.Dec(t, "3")},
		{Sku: "S1", Qty: testutil.Dec(t, "3")},
		{Sku: "S9", Qty: testutil.Dec(t, "1")},
	})
	require.NoError(t, err)
	assert.False(t, report.CanFulfill)
	require.Len(t, report.PerItem, 2)
	assert.Equal(t, "S1", report.PerItem[0].Sku)
	assert.True(t, report.PerItem[0].Required.Equal(testutil.Dec(t, "6")))
	assert.True(t, report.PerItem[0].Available.Equal(testutil.Dec(t, "5")))
	assert.False(t, report.PerItem[0].Sufficient)
	assert.True(t, report.PerItem[1].Available.IsZero())

	// read-only
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "3")))
}

func TestCheckAvailability_RejectsNonPositiveQty(t *testing.T) {
	_, engine := newTestEngine(t)
	_, err := engine.CheckAvailability(context.Background(), []Requirement{{Sku: "S1", Qty: decimal.Zero}})
	var validation *models.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestBinLedger_AdjustCreatesRowAndBlocksNegative(t *testing.T) {
	db, engine := newTestEngine(t)
	ledger := engine.Ledger()
	testutil.SeedBin(t, db, 7, "G")

	stock, err := ledger.Receive(context.Background(), 7, "S1", testutil.Dec(t, "4"), "ref-1", "tester")
	require.NoError(t, err)
	assert.True(t, stock.Qty.Equal(testutil.Dec(t, "4")))

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := ledger.Adjust(tx, AdjustInput{BinId: 7, Sku: "S1", Delta: testutil.Dec(t, "-5"), Reason: models.MovementReasonManual})
		return err
	})
	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, testutil.StockQty(t, db, 7, "S1").Equal(testutil.Dec(t, "4")))

	_, err = ledger.Receive(context.Background(), 99, "S1", testutil.Dec(t, "1"), "", "")
	var notFound *models.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestBinLedger_NegativeStoredQuantityIsIntegrityError(t *testing.T) {
	db, engine := newTestEngine(t)
	testutil.SeedBin(t, db, 1, "A")
	stock := testutil.SeedStock(t, db, 1, "S1", "1")
	require.NoError(t, db.Exec("UPDATE bin_stocks SET qty = -3 WHERE id = ?", stock.ID).Error)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := engine.Ledger().Adjust(tx, AdjustInput{BinId: 1, Sku: "S1", Delta: testutil.Dec(t, "1")})
		return err
	})
	var integrity *models.IntegrityError
	assert.True(t, errors.As(err, &integrity))
}

func TestBinLedger_ConcurrentReceiptsAllLand(t *testing.T) {
	db, engine := newTestEngine(t)
	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "0")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Ledger().Receive(context.Background(), 1, "S1", decimal.NewFromInt(1), "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(decimal.NewFromInt(8)))
}

func TestStockMovements_AreAppendOnly(t *testing.T) {
	db, engine := newTestEngine(t)
	testutil.SeedBin(t, db, 1, "A")
	_, err := engine.Ledger().Receive(context.Background(), 1, "S1", decimal.NewFromInt(2), "", "")
	require.NoError(t, err)

	err = db.Model(&models.StockMovement{}).Where("bin_id = ?", 1).Update("actor", "someone").Error
	assert.ErrorIs(t, err, config.ErrAppendOnly)
	err = db.Where("bin_id = ?", 1).Delete(&models.StockMovement{}).Error
	assert.ErrorIs(t, err, config.ErrAppendOnly)
}
