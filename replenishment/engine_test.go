package replenishment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/testutil"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*gorm.DB, *Engine) {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := config.NewLogger("error")
	ledger := inventory.NewBinLedger(db, logger, 5)
	return db, NewEngine(db, ledger, logger, Options{
		WindowDays:          2,
		DefaultLeadTimeDays: 7,
		Now:                 func() time.Time { return testNow },
	})
}

func seedVendor(t *testing.T, db *gorm.DB, id string, rates ...models.VendorRate) {
	t.Helper()
	require.NoError(t, db.Create(&models.Vendor{ID: id, Name: "Vendor " + id, IsActive: utils.NewTrue(), Rates: rates}).Error)
}

func seedUsage(t *testing.T, e *Engine, sku string, quantities ...string) {
	t.Helper()
	var records []models.UsageRecord
	for i, q := range quantities {
		records = append(records, models.UsageRecord{
			Sku:      sku,
			Date:     testNow.AddDate(0, 0, -(len(quantities) - 1 - i)),
			Quantity: testutil.Dec(t, q),
		})
	}
	_, err := e.RecordUsage(context.Background(), records)
	require.NoError(t, err)
}

func itemFor(t *testing.T, e *Engine, sku string, status models.ROPStatus) models.ROPItem {
	t.Helper()
	page, err := e.ListItems(context.Background(), ItemQuery{Query: models.Query{Search: sku}, Status: status})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	return page.Data[0]
}

func TestComputeROP_Scenario(t *testing.T) {
	fig := ComputeROP(Inputs{
		AverageDailyUsage: testutil.Dec(t, "10"),
		MaximumDailyUsage: testutil.Dec(t, "15"),
		LeadTimeDays:      4,
		CurrentStock:      testutil.Dec(t, "50"),
	})
	assert.True(t, fig.LeadTimeDemand.Equal(testutil.Dec(t, "40")))
	assert.True(t, fig.SafetyStock.Equal(testutil.Dec(t, "20")))
	assert.True(t, fig.Rop.Equal(testutil.Dec(t, "60")))
	assert.True(t, fig.SuggestedQuantity.Equal(testutil.Dec(t, "10")))
}

func TestComputeROP_RoundsUpAndNeverNegative(t *testing.T) {
	fig := ComputeROP(Inputs{
		AverageDailyUsage: testutil.Dec(t, "2.5"),
		MaximumDailyUsage: testutil.Dec(t, "3"),
		LeadTimeDays:      3,
		CurrentStock:      testutil.Dec(t, "8"),
	})
	// rop 9, 9 - 8 = 1
	assert.True(t, fig.SuggestedQuantity.Equal(testutil.Dec(t, "1")))

	fig = ComputeROP(Inputs{
		AverageDailyUsage: testutil.Dec(t, "1.1"),
		MaximumDailyUsage: testutil.Dec(t, "1.1"),
		LeadTimeDays:      1,
	})
	assert.True(t, fig.SuggestedQuantity.Equal(testutil.Dec(t, "2")))

	fig = ComputeROP(Inputs{
		AverageDailyUsage: testutil.Dec(t, "1"),
		MaximumDailyUsage: testutil.Dec(t, "1"),
		LeadTimeDays:      5,
		CurrentStock:      testutil.Dec(t, "100"),
	})
	assert.True(t, fig.SuggestedQuantity.IsZero())
}

func TestCalculate_FromUsageStockAndVendor(t *testing.T) {
	db, e := newTestEngine(t)
	ctx := context.Background()
	seedVendor(t, db, "V1", models.VendorRate{Sku: "S1", Rate: testutil.Dec(t, "2.5"), LeadTimeDays: 4, IsPrimary: true})
	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "50")
	seedUsage(t, e, "S1", "5", "15")
	// outside the window
	_, err := e.RecordUsage(ctx, []models.UsageRecord{{Sku: "S1", Date: testNow.AddDate(0, 0, -5), Quantity: testutil.Dec(t, "1000")}})
	require.NoError(t, err)

	run, err := e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.CalculationStatusSucceeded, run.Status)
	assert.Equal(t, 1, run.ItemCount)

	item := itemFor(t, e, "S1", "")
	assert.True(t, item.AverageDailyUsage.Equal(testutil.Dec(t, "10")))
	assert.True(t, item.MaximumDailyUsage.Equal(testutil.Dec(t, "15")))
	assert.Equal(t, 4, item.LeadTimeDays)
	assert.True(t, item.LeadTimeDemand.Equal(testutil.Dec(t, "40")))
	assert.True(t, item.SafetyStock.Equal(testutil.Dec(t, "20")))
	assert.True(t, item.Rop.Equal(testutil.Dec(t, "60")))
	assert.True(t, item.SuggestedQuantity.Equal(testutil.Dec(t, "10")))
	require.NotNil(t, item.PrimaryVendorId)
	assert.Equal(t, "V1", *item.PrimaryVendorId)
	assert.Equal(t, run.ID, item.CalculationId)

	stored, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.FinishedAt)

	var events int64
	require.NoError(t, db.Model(&models.EventRecord{}).Where("event_type = ?", models.EventROPCalculated).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestCalculate_CountsPendingUnitsAndDefaultLeadTime(t *testing.T) {
	db, e := newTestEngine(t)
	seedUsage(t, e, "S2", "1", "1")
	testutil.SeedUnit(t, db, models.StagePlanned, map[string]string{"S2": "3"})
	testutil.SeedUnit(t, db, models.StageKitting, map[string]string{"S2": "100"})

	_, err := e.Calculate(context.Background(), CalculateOptions{})
	require.NoError(t, err)
	item := itemFor(t, e, "S2", "")
	assert.Equal(t, 7, item.LeadTimeDays)
	assert.Nil(t, item.PrimaryVendorId)
	assert.True(t, item.PendingQuantity.Equal(testutil.Dec(t, "3")))
	// rop 7 + pending 3
	assert.True(t, item.SuggestedQuantity.Equal(testutil.Dec(t, "10")))
}

func TestCalculate_IsDeterministic(t *testing.T) {
	db, e := newTestEngine(t)
	ctx := context.Background()
	seedVendor(t, db, "V1", models.VendorRate{Sku: "S1", Rate: testutil.Dec(t, "1"), LeadTimeDays: 3, IsPrimary: true})
	seedUsage(t, e, "S1", "4", "9")
	seedUsage(t, e, "S3", "2", "2")

	snapshot := func() []models.ROPItem {
		_, err := e.Calculate(ctx, CalculateOptions{})
		require.NoError(t, err)
		page, err := e.ListItems(ctx, ItemQuery{})
		require.NoError(t, err)
		return page.Data
	}
	first, second := snapshot(), snapshot()
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Sku, second[i].Sku)
		assert.True(t, first[i].Rop.Equal(second[i].Rop))
		assert.True(t, first[i].SafetyStock.Equal(second[i].SafetyStock))
		assert.True(t, first[i].SuggestedQuantity.Equal(second[i].SuggestedQuantity))
		assert.NotEqual(t, first[i].CalculationId, second[i].CalculationId)
	}
}

func TestCalculate_PreservesOverridesUnlessDiscarded(t *testing.T) {
	db, e := newTestEngine(t)
	ctx := context.Background()
	seedVendor(t, db, "V1", models.VendorRate{Sku: "S1", Rate: testutil.Dec(t, "1"), LeadTimeDays: 4, IsPrimary: true})
	seedVendor(t, db, "V2")
	seedUsage(t, e, "S1", "5", "15")

	_, err := e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	item := itemFor(t, e, "S1", "")
	_, err = e.UpdateQuantity(ctx, item.ID, testutil.Dec(t, "25"))
	require.NoError(t, err)
	_, err = e.UpdateVendorSplit(ctx, item.ID, []models.NewVendorSplit{
		{VendorId: "V1", Quantity: testutil.Dec(t, "20")},
		{VendorId: "V2", Quantity: testutil.Dec(t, "5"), Rate: testutil.Dec(t, "1.2")},
	})
	require.NoError(t, err)

	_, err = e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	kept := itemFor(t, e, "S1", "")
	assert.Equal(t, models.ROPStatusAdjusted, kept.Status)
	require.NotNil(t, kept.AdjustedQuantity)
	assert.True(t, kept.AdjustedQuantity.Equal(testutil.Dec(t, "25")))
	assert.Len(t, kept.VendorSplits, 2)

	_, err = e.Calculate(ctx, CalculateOptions{DiscardOverrides: true})
	require.NoError(t, err)
	fresh := itemFor(t, e, "S1", "")
	assert.Equal(t, models.ROPStatusPending, fresh.Status)
	assert.Nil(t, fresh.AdjustedQuantity)
	assert.Empty(t, fresh.VendorSplits)
}

func TestCalculate_CarriedSplitsPinTheQuantity(t *testing.T) {
	db, e := newTestEngine(t)
	ctx := context.Background()
	seedVendor(t, db, "V1", models.VendorRate{Sku: "S1", Rate: testutil.Dec(t, "1"), LeadTimeDays: 4, IsPrimary: true})
	seedVendor(t, db, "V2", models.VendorRate{Sku: "S1", Rate: testutil.Dec(t, "1.5")})
	seedUsage(t, e, "S1", "5", "15")

	_, err := e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	item := itemFor(t, e, "S1", "")
	require.True(t, item.SuggestedQuantity.Equal(testutil.Dec(t, "60")))
	_, err = e.UpdateVendorSplit(ctx, item.ID, []models.NewVendorSplit{
		{VendorId: "V1", Quantity: testutil.Dec(t, "50")},
		{VendorId: "V2", Quantity: testutil.Dec(t, "10")},
	})
	require.NoError(t, err)

	// demand goes up, so the fresh suggestion no longer matches the splits
	seedUsage(t, e, "S1", "5", "40")
	_, err = e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	kept := itemFor(t, e, "S1", "")
	assert.False(t, kept.SuggestedQuantity.Equal(testutil.Dec(t, "60")))
	require.NotNil(t, kept.AdjustedQuantity)
	assert.True(t, kept.AdjustedQuantity.Equal(testutil.Dec(t, "60")))
	assert.True(t, kept.EffectiveQuantity().Equal(sumSplits(kept.VendorSplits)))

	result, err := e.CreatePurchaseOrders(ctx, []int{kept.ID}, "buyer")
	require.NoError(t, err)
	assert.Empty(t, result.Skipped)
	total := testutil.Dec(t, "0")
	for _, po := range result.Orders {
		for _, l := range po.Lines {
			total = total.Add(l.Quantity)
		}
	}
	assert.True(t, total.Equal(kept.EffectiveQuantity()))
}

func TestCalculate_SingleFlight(t *testing.T) {
	_, e := newTestEngine(t)
	ctx := context.Background()

	run, release, err := e.begin(ctx)
	require.NoError(t, err)

	_, err = e.Calculate(ctx, CalculateOptions{})
	var inProgress *models.CalculationInProgressError
	require.True(t, errors.As(err, &inProgress))
	assert.Equal(t, run.ID, inProgress.JobId)

	id, err := e.Trigger(ctx, CalculateOptions{})
	require.NoError(t, err)
	assert.Equal(t, run.ID, id)

	running, ok := e.Running()
	assert.True(t, ok)
	assert.Equal(t, run.ID, running)

	release()
	_, err = e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	_, ok = e.Running()
	assert.False(t, ok)
}

func TestCalculate_LockHeldElsewhere(t *testing.T) {
	_, e := newTestEngine(t)
	ctx := context.Background()
	e.obtainLock = func(context.Context) (func(), error) { return nil, utils.ErrLockNotObtained }

	id, err := e.Trigger(ctx, CalculateOptions{})
	var inProgress *models.CalculationInProgressError
	require.True(t, errors.As(err, &inProgress))
	assert.Empty(t, id)
	_, ok := e.Running()
	assert.False(t, ok)
}

func TestCalculate_LockWaitDoesNotBlockRunning(t *testing.T) {
	_, e := newTestEngine(t)
	ctx := context.Background()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	e.obtainLock = func(context.Context) (func(), error) {
		close(entered)
		<-proceed
		return func() {}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Calculate(ctx, CalculateOptions{})
		done <- err
	}()
	<-entered

	running, ok := e.Running()
	require.True(t, ok)
	_, _, err := e.begin(ctx)
	var inProgress *models.CalculationInProgressError
	require.True(t, errors.As(err, &inProgress))
	assert.Equal(t, running, inProgress.JobId)

	close(proceed)
	require.NoError(t, <-done)
	_, ok = e.Running()
	assert.False(t, ok)
}

func TestOverrides_Validation(t *testing.T) {
	db, e := newTestEngine(t)
	ctx := context.Background()
	seedVendor(t, db, "V1", models.VendorRate{Sku: "S1", Rate: testutil.Dec(t, "3"), LeadTimeDays: 4, IsPrimary: true})
	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "50")
	seedUsage(t, e, "S1", "5", "15")
	_, err := e.Calculate(ctx, CalculateOptions{})
	require.NoError(t, err)
	item := itemFor(t, e, "S1", "")

	var validation *models.ValidationError
	_, err = e.UpdateQuantity(ctx, item.ID, testutil.Dec(t, "-1"))
	assert.True(t, errors.As(err, &validation))
	_, err = e.UpdateVendorSplit(ctx, item.ID, []models.NewVendorSplit{{VendorId: "V1", Quantity: testutil.Dec(t, "9")}})
	assert.True(t, errors.As(err, &validation))
	_, err = e.UpdateVendorSplit(ctx, item.ID, []models.NewVendorSplit{{VendorId: "NOPE", Quantity: testutil.Dec(t, "10")}})
	assert.True(t, errors.As(err, &validation))

	split, err := e.UpdateVendorSplit(ctx, item.ID, []models.NewVendorSplit{{VendorId: "V1", Quantity: testutil.Dec(t, "10")}})
	require.NoError(t, err)
	require.Len(t, split.VendorSplits, 1)
	// rate comes from the vendor's price list
	assert.True(t, split.VendorSplits[0].Rate.Equal(testutil.Dec(t, "3")))

	// a quantity that no longer matches the splits drops them
	adjusted, err := e.UpdateQuantity(ctx, item.ID, testutil.Dec(t, "12"))
	require.NoError(t, err)
	assert.Empty(t, adjusted.VendorSplits)
	assert.Equal(t, models.ROPStatusAdjusted, adjusted.Status)

	discarded, err := e.DiscardOverrides(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, discarded.AdjustedQuantity)
	assert.Equal(t, models.ROPStatusPending, discarded.Status)

	var notFound *models.NotFoundError
	_, err = e.UpdateQuantity(ctx, 9999, testutil.Dec(t, "1"))
	assert.True(t, errors.As(err, &notFound))
}

func TestRecordUsage_UpsertsPerDay(t *testing.T) {
	db, e := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)

	n, err := e.RecordUsage(ctx, []models.UsageRecord{{Sku: "S1", Date: day, Quantity: testutil.Dec(t, "4")}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = e.RecordUsage(ctx, []models.UsageRecord{{Sku: "S1", Date: day.Add(3 * time.Hour), Quantity: testutil.Dec(t, "6")}})
	require.NoError(t, err)

	var rows []models.SkuUsage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quantity.Equal(testutil.Dec(t, "6")))

	_, err = e.RecordUsage(ctx, []models.UsageRecord{{Sku: "S1", Date: day, Quantity: testutil.Dec(t, "-1")}})
	var validation *models.ValidationError
	assert.True(t, errors.As(err, &validation))
}
