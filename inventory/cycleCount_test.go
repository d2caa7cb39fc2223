package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCycleCount_ApplySetsCountedQuantities(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedBin(t, db, 2, "B")
	testutil.SeedStock(t, db, 1, "S1", "10")
	testutil.SeedStock(t, db, 2, "S1", "4")
	testutil.SeedStock(t, db, 2, "S2", "0")

	session, err := engine.RunCycleCount(ctx, 5)
	require.NoError(t, err)
	// zero-quantity rows are never sampled
	require.Len(t, session.Entries, 2)

	var binA, binB models.CycleCountEntry
	for _, en := range session.Entries {
		if en.BinId == 1 {
			binA = en
		} else {
			binB = en
		}
	}
	_, err = engine.RecordCount(ctx, session.ID, binA.ID, testutil.Dec(t, "7"))
	require.NoError(t, err)
	_, err = engine.RecordCount(ctx, session.ID, binB.ID, testutil.Dec(t, "4"))
	require.NoError(t, err)

	result, err := engine.ApplyCycleCount(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, result.Adjusted, 1)
	assert.True(t, result.Adjusted[0].Delta.Equal(testutil.Dec(t, "-3")))
	assert.Equal(t, 1, result.Unchanged)

	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "7")))
	assert.True(t, testutil.StockQty(t, db, 2, "S1").Equal(testutil.Dec(t, "4")))

	// session is discarded after apply
	_, err = engine.GetCycleCount(ctx, session.ID)
	var notFound *models.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	var events int64
	require.NoError(t, db.Model(&models.EventRecord{}).Where("event_type = ?", models.EventCycleCountApplied).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestCycleCount_StaleSnapshotAppliesNothing(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedBin(t, db, 2, "B")
	testutil.SeedStock(t, db, 1, "S1", "10")
	testutil.SeedStock(t, db, 2, "S1", "6")

	session, err := engine.RunCycleCount(ctx, 2)
	require.NoError(t, err)
	require.Len(t, session.Entries, 2)
	for _, en := range session.Entries {
		_, err := engine.RecordCount(ctx, session.ID, en.ID, testutil.Dec(t, "1"))
		require.NoError(t, err)
	}

	// stock moves after the snapshot
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := engine.Ledger().Adjust(tx, AdjustInput{BinId: 2, Sku: "S1", Delta: testutil.Dec(t, "-1"), Reason: models.MovementReasonManual})
		return err
	})
	require.NoError(t, err)

	_, err = engine.ApplyCycleCount(ctx, session.ID)
	var stale *models.StaleCountError
	require.True(t, errors.As(err, &stale))
	assert.Len(t, stale.EntryIds, 1)

	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "10")))
	assert.True(t, testutil.StockQty(t, db, 2, "S1").Equal(testutil.Dec(t, "5")))

	// session survives a failed apply
	_, err = engine.GetCycleCount(ctx, session.ID)
	assert.NoError(t, err)
}

func TestCycleCount_Validation(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()
	var validation *models.ValidationError

	_, err := engine.RunCycleCount(ctx, 0)
	assert.True(t, errors.As(err, &validation))
	_, err = engine.RunCycleCount(ctx, 51)
	assert.True(t, errors.As(err, &validation))

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "2")
	session, err := engine.RunCycleCount(ctx, 1)
	require.NoError(t, err)
	_, err = engine.RecordCount(ctx, session.ID, session.Entries[0].ID, testutil.Dec(t, "-1"))
	assert.True(t, errors.As(err, &validation))

	require.NoError(t, engine.DiscardCycleCount(ctx, session.ID))
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "2")))
	var notFound *models.NotFoundError
	assert.True(t, errors.As(engine.DiscardCycleCount(ctx, session.ID), &notFound))
}

func TestCycleCount_SampleIsBoundedBySize(t *testing.T) {
	db, engine := newTestEngine(t)
	testutil.SeedBin(t, db, 1, "A")
	for _, sku := range []string{"S1", "S2", "S3", "S4", "S5"} {
		testutil.SeedStock(t, db, 1, sku, "3")
	}
	session, err := engine.RunCycleCount(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, session.Entries, 3)
	seen := map[string]bool{}
	for _, en := range session.Entries {
		assert.False(t, seen[en.Sku])
		seen[en.Sku] = true
		assert.True(t, en.SystemQty.Equal(testutil.Dec(t, "3")))
		assert.Nil(t, en.CountedQty)
	}
}

func TestPutback_PartialAndFull(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 3, "C")
	testutil.SeedStock(t, db, 3, "S1", "5")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)
	results, err := engine.AutoPick(ctx, []UnitRequirement{{UnitId: unit.ID, Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "4")}}}})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	resId := results[0].Reservations[0].ID

	one := testutil.Dec(t, "1")
	out, err := engine.Putback(ctx, []PutbackRequest{{ReservationId: resId, Qty: &one}})
	require.NoError(t, err)
	assert.True(t, out[0].Remaining.Equal(testutil.Dec(t, "3")))
	assert.True(t, testutil.StockQty(t, db, 3, "S1").Equal(testutil.Dec(t, "2")))

	ten := testutil.Dec(t, "10")
	_, err = engine.Putback(ctx, []PutbackRequest{{ReservationId: resId, Qty: &ten}})
	var validation *models.ValidationError
	require.True(t, errors.As(err, &validation))

	_, err = engine.Putback(ctx, []PutbackRequest{{ReservationId: resId}})
	require.NoError(t, err)
	assert.True(t, testutil.StockQty(t, db, 3, "S1").Equal(testutil.Dec(t, "5")))
	left, err := engine.ListReservations(ctx, unit.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestConsumeAndReturnUnitStock(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 1, "A")
	testutil.SeedStock(t, db, 1, "S1", "5")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)

	err := db.Transaction(func(tx *gorm.DB) error { return engine.ConsumeUnitReservations(tx, unit.ID) })
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))

	_, err = engine.AutoPick(ctx, []UnitRequirement{{UnitId: unit.ID, Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "2")}}}})
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error { return engine.ConsumeUnitReservations(tx, unit.ID) }))

	rows, err := engine.ListReservations(ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ReservationStatusConsumed, rows[0].Status)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		returned, err := engine.ReturnUnitStock(tx, unit.ID, "tester")
		assert.Len(t, returned, 1)
		return err
	}))
	assert.True(t, testutil.StockQty(t, db, 1, "S1").Equal(testutil.Dec(t, "5")))
	rows, err = engine.ListReservations(ctx, unit.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPutback_StaleReservationIsRejected(t *testing.T) {
	db, engine := newTestEngine(t)
	ctx := context.Background()

	testutil.SeedBin(t, db, 4, "D")
	testutil.SeedStock(t, db, 4, "S1", "5")
	unit := testutil.SeedUnit(t, db, models.StageKitting, nil)
	results, err := engine.AutoPick(ctx, []UnitRequirement{{UnitId: unit.ID, Items: []Requirement{{Sku: "S1", Qty: testutil.Dec(t, "4")}}}})
	require.NoError(t, err)
	require.True(t, results[0].Success)

	var stale models.StockReservation
	require.NoError(t, db.First(&stale, results[0].Reservations[0].ID).Error)

	_, err = engine.Putback(ctx, []PutbackRequest{{ReservationId: stale.ID}})
	require.NoError(t, err)
	assert.True(t, testutil.StockQty(t, db, 4, "S1").Equal(testutil.Dec(t, "5")))

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := claimReservation(tx, stale, stale.Qty)
		return err
	})
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))

	_, err = engine.Putback(ctx, []PutbackRequest{{ReservationId: stale.ID}})
	var notFound *models.NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.True(t, testutil.StockQty(t, db, 4, "S1").Equal(testutil.Dec(t, "5")))
}
