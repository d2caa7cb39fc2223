package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	coord  *Coordinator
	ledger *UnitLedger
	stock  *inventory.Engine
}

func newFixture(t *testing.T, autoComplete bool) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := config.NewLogger("error")
	stock := inventory.NewEngine(db, inventory.NewBinLedger(db, logger, 5), logger, inventory.Options{
		Workers:             4,
		MaxCycleCountSample: 50,
		Rand:                rand.New(rand.NewSource(1)),
	})
	ledger := NewUnitLedger(db, logger, 5)
	coord := NewCoordinator(db, ledger, stock, logger, CoordinatorOptions{Workers: 4, MaxRetries: 5, AutoCompleteBatches: autoComplete})
	return &fixture{db: db, coord: coord, ledger: ledger, stock: stock}
}

func (f *fixture) batch(t *testing.T, stageType models.BatchStageType) *models.Batch {
	t.Helper()
	b, err := f.ledger.CreateBatch(context.Background(), models.NewBatch{StageType: stageType})
	require.NoError(t, err)
	return b
}

func (f *fixture) unit(t *testing.T, materials ...models.NewUnitMaterial) *models.ProductionUnit {
	t.Helper()
	u, err := f.ledger.CreateUnit(context.Background(), models.NewUnit{OrderId: "ORD-1", ProductRef: "MUG", Materials: materials}, "tester")
	require.NoError(t, err)
	return u
}

func (f *fixture) advance(t *testing.T, unitId string, from, to models.Stage) *models.ProductionUnit {
	t.Helper()
	u, err := f.coord.Advance(context.Background(), AdvanceRequest{UnitId: unitId, From: from, To: to, Actor: "tester"})
	require.NoError(t, err)
	return u
}

// kitted takes a fresh unit through a kitting batch of its own.
func (f *fixture) kitted(t *testing.T, materials ...models.NewUnitMaterial) *models.ProductionUnit {
	t.Helper()
	ctx := context.Background()
	u := f.unit(t, materials...)
	kb := f.batch(t, models.BatchStageKitting)
	_, err := f.coord.AddToBatch(ctx, u.ID, kb.ID, "tester")
	require.NoError(t, err)
	picks, err := f.stock.AutoPickUnits(ctx, []string{u.ID})
	require.NoError(t, err)
	require.True(t, picks[0].Success, picks[0].Error)
	return f.advance(t, u.ID, models.StageKitting, models.StageKitted)
}

func TestAdvance_RejectsIllegalAndStaleTransitions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	u := f.unit(t)

	_, err := f.coord.Advance(ctx, AdvanceRequest{UnitId: u.ID, From: models.StagePlanned, To: models.StagePacking})
	var invalid *models.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, models.StagePacking, invalid.To)

	_, err = f.coord.Advance(ctx, AdvanceRequest{UnitId: u.ID, From: models.StagePrinted, To: models.StageDispatched})
	var conflict *models.ConflictError
	assert.True(t, errors.As(err, &conflict))

	_, err = f.coord.Advance(ctx, AdvanceRequest{UnitId: "missing", From: models.StagePrinted, To: models.StageDispatched})
	var notFound *models.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	// DISPATCHED has no successors
	assert.Empty(t, Successors(models.StageDispatched))
}

func TestAdvance_BatchStageRequiresAssignment(t *testing.T) {
	f := newFixture(t, false)
	u := f.unit(t)

	_, err := f.coord.Advance(context.Background(), AdvanceRequest{UnitId: u.ID, From: models.StagePlanned, To: models.StageKitting})
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))

	got, err := f.ledger.GetUnit(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePlanned, got.Stage)
}

func TestAdvance_KittedRequiresReservations(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	u := f.unit(t)
	kb := f.batch(t, models.BatchStageKitting)
	_, err := f.coord.AddToBatch(ctx, u.ID, kb.ID, "tester")
	require.NoError(t, err)

	_, err = f.coord.Advance(ctx, AdvanceRequest{UnitId: u.ID, From: models.StageKitting, To: models.StageKitted})
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))

	got, err := f.ledger.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageKitting, got.Stage)
	require.NotNil(t, got.BatchId)
	assert.Equal(t, kb.ID, *got.BatchId)
}

func TestQCFailure_ReturnsStockAndReplans(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	testutil.SeedBin(t, f.db, 3, "C")
	testutil.SeedStock(t, f.db, 3, "S1", "5")

	u := f.kitted(t, models.NewUnitMaterial{Sku: "S1", Qty: testutil.Dec(t, "2")})
	assert.True(t, testutil.StockQty(t, f.db, 3, "S1").Equal(testutil.Dec(t, "3")))

	pb := f.batch(t, models.BatchStagePacking)
	_, err := f.coord.AddToBatch(ctx, u.ID, pb.ID, "tester")
	require.NoError(t, err)
	f.advance(t, u.ID, models.StagePacking, models.StagePacked)
	f.advance(t, u.ID, models.StagePacked, models.StageQCPending)

	_, err = f.coord.Advance(ctx, AdvanceRequest{UnitId: u.ID, From: models.StageQCPending, To: models.StageQCFailed, Actor: "qc"})
	var validation *models.ValidationError
	require.True(t, errors.As(err, &validation))

	got, err := f.coord.Advance(ctx, AdvanceRequest{
		UnitId:  u.ID,
		From:    models.StageQCPending,
		To:      models.StageQCFailed,
		Actor:   "qc",
		Message: "cracked handle",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StagePlanned, got.Stage)
	assert.Nil(t, got.BatchId)

	assert.True(t, testutil.StockQty(t, f.db, 3, "S1").Equal(testutil.Dec(t, "5")))
	left, err := f.stock.ListReservations(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	full, err := f.ledger.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	n := len(full.AuditTrail)
	require.GreaterOrEqual(t, n, 2)
	failed, replanned := full.AuditTrail[n-2], full.AuditTrail[n-1]
	assert.Equal(t, models.StageQCFailed, failed.StageTo)
	assert.Contains(t, failed.Message, "cracked handle")
	assert.Equal(t, models.StagePlanned, replanned.StageTo)
	assert.Contains(t, replanned.Message, "cracked handle")
	for i := 1; i < n; i++ {
		assert.Greater(t, full.AuditTrail[i].Seq, full.AuditTrail[i-1].Seq)
	}

	// reworked unit can be batched again
	kb := f.batch(t, models.BatchStageKitting)
	again, err := f.coord.AddToBatch(ctx, u.ID, kb.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, models.StageKitting, again.Stage)
}

func TestBatch_AccountingAndCompletion(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	testutil.SeedBin(t, f.db, 1, "A")
	testutil.SeedStock(t, f.db, 1, "S1", "10")

	kb := f.batch(t, models.BatchStageKitting)
	var ids []string
	for i := 0; i < 4; i++ {
		u := f.unit(t, models.NewUnitMaterial{Sku: "S1", Qty: testutil.Dec(t, "1")})
		_, err := f.coord.AddToBatch(ctx, u.ID, kb.ID, "tester")
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	b, err := f.ledger.GetBatch(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusInProgress, b.Status)

	// the last unit is picked but never kitted
	picks, err := f.stock.AutoPickUnits(ctx, ids)
	require.NoError(t, err)
	for _, p := range picks {
		require.True(t, p.Success, p.Error)
	}
	f.advance(t, ids[0], models.StageKitting, models.StageKitted)
	f.advance(t, ids[1], models.StageKitting, models.StageKitted)
	_, err = f.ledger.RemoveFromBatch(ctx, ids[2], "tester")
	require.NoError(t, err)

	acc, err := f.ledger.BatchAccounting(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, acc.Original)
	assert.Equal(t, 1, acc.ActiveInStage)
	assert.Equal(t, 2, acc.Advanced)
	assert.Equal(t, 1, acc.Removed)
	assert.True(t, acc.Balanced())

	_, err = f.coord.CompleteBatch(ctx, kb.ID, "tester")
	var incomplete *models.BatchIncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []string{ids[3]}, incomplete.Remaining)

	f.advance(t, ids[3], models.StageKitting, models.StageKitted)
	done, err := f.ledger.IsBatchComplete(ctx, kb.ID)
	require.NoError(t, err)
	assert.True(t, done)

	completed, err := f.coord.CompleteBatch(ctx, kb.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusComplete, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	var conflict *models.ConflictError
	_, err = f.coord.CompleteBatch(ctx, kb.ID, "tester")
	assert.True(t, errors.As(err, &conflict))

	// complete batches are immutable
	extra := f.unit(t)
	_, err = f.ledger.AssignToBatch(ctx, extra.ID, kb.ID, "tester")
	assert.True(t, errors.As(err, &conflict))
	_, err = f.coord.AdvanceAll(ctx, kb.ID, models.StageKitted, "tester")
	assert.True(t, errors.As(err, &conflict))

	var ready, completedEvents int64
	require.NoError(t, f.db.Model(&models.EventRecord{}).Where("event_type = ? AND aggregate_id = ?", models.EventBatchReady, kb.ID).Count(&ready).Error)
	require.NoError(t, f.db.Model(&models.EventRecord{}).Where("event_type = ? AND aggregate_id = ?", models.EventBatchCompleted, kb.ID).Count(&completedEvents).Error)
	assert.Equal(t, int64(1), ready)
	assert.Equal(t, int64(1), completedEvents)
}

func TestBatch_AutoCompleteOnLastMemberLeaving(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	testutil.SeedBin(t, f.db, 1, "A")
	testutil.SeedStock(t, f.db, 1, "S1", "10")

	var ready []BatchReadyEvent
	f.ledger.OnBatchReady(func(_ context.Context, ev BatchReadyEvent) { ready = append(ready, ev) })

	u := f.kitted(t, models.NewUnitMaterial{Sku: "S1", Qty: testutil.Dec(t, "1")})
	require.Len(t, ready, 1)
	assert.Equal(t, models.BatchStageKitting, ready[0].StageType)

	b, err := f.ledger.GetBatch(ctx, ready[0].BatchId)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusComplete, b.Status)
	require.Len(t, b.Members, 1)
	assert.Equal(t, u.ID, b.Members[0].UnitId)
	assert.Equal(t, models.MemberStateAdvanced, b.Members[0].State)
}

func TestAssign_OneOpenBatchPerStageType(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	u := f.unit(t)
	first := f.batch(t, models.BatchStageKitting)
	second := f.batch(t, models.BatchStageKitting)
	packing := f.batch(t, models.BatchStagePacking)

	_, err := f.ledger.AssignToBatch(ctx, u.ID, first.ID, "tester")
	require.NoError(t, err)

	var conflict *models.ConflictError
	_, err = f.ledger.AssignToBatch(ctx, u.ID, second.ID, "tester")
	assert.True(t, errors.As(err, &conflict))
	// PLANNED units cannot wait for packing
	_, err = f.ledger.AssignToBatch(ctx, u.ID, packing.ID, "tester")
	assert.True(t, errors.As(err, &conflict))

	_, err = f.ledger.RemoveFromBatch(ctx, u.ID, "tester")
	require.NoError(t, err)
	moved, err := f.ledger.AssignToBatch(ctx, u.ID, second.ID, "tester")
	require.NoError(t, err)
	require.NotNil(t, moved.BatchId)
	assert.Equal(t, second.ID, *moved.BatchId)

	// removing the only member left the first batch ready
	done, err := f.ledger.IsBatchComplete(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAdvanceAll_ReportsPerUnitFailures(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	testutil.SeedBin(t, f.db, 1, "A")
	testutil.SeedStock(t, f.db, 1, "S1", "2")

	kb := f.batch(t, models.BatchStageKitting)
	var ids []string
	for i := 0; i < 3; i++ {
		u := f.unit(t, models.NewUnitMaterial{Sku: "S1", Qty: testutil.Dec(t, "1")})
		_, err := f.coord.AddToBatch(ctx, u.ID, kb.ID, "tester")
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	// only two units can be picked
	picks, err := f.stock.AutoPickUnits(ctx, ids)
	require.NoError(t, err)
	picked := 0
	for _, p := range picks {
		if p.Success {
			picked++
		}
	}
	require.Equal(t, 2, picked)

	results, err := f.coord.AdvanceAll(ctx, kb.ID, models.StageKitted, "tester")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, sort.SliceIsSorted(results, func(i, j int) bool { return results[i].UnitId < results[j].UnitId }))
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			assert.NotEmpty(t, r.Error)
		}
	}
	assert.Equal(t, 1, failed)

	acc, err := f.ledger.BatchAccounting(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, acc.ActiveInStage)
	assert.Equal(t, 2, acc.Advanced)
	assert.True(t, acc.Balanced())
}

func TestDispatch_ManifestListsOnlyDispatchedUnits(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	printed := testutil.SeedUnit(t, f.db, models.StagePrinted, nil)
	notReady := testutil.SeedUnit(t, f.db, models.StagePrinting, nil)

	res, err := f.coord.Dispatch(ctx, DispatchRequest{UnitIds: []string{printed.ID, notReady.ID, printed.ID}, Carrier: "DHL"}, "shipper")
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	require.NotNil(t, res.Manifest)
	require.Len(t, res.Manifest.Units, 1)
	assert.Equal(t, printed.ID, res.Manifest.Units[0].UnitId)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)

	got, err := f.ledger.GetUnit(ctx, printed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDispatched, got.Stage)

	manifest, err := f.coord.GetManifest(ctx, res.Manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, "DHL", manifest.Carrier)
	assert.Len(t, manifest.Units, 1)

	var dispatched int64
	require.NoError(t, f.db.Model(&models.EventRecord{}).Where("event_type = ?", models.EventUnitDispatched).Count(&dispatched).Error)
	assert.Equal(t, int64(1), dispatched)

	// nothing dispatchable leaves no manifest behind
	empty, err := f.coord.Dispatch(ctx, DispatchRequest{UnitIds: []string{notReady.ID}, Carrier: "DHL"}, "shipper")
	require.NoError(t, err)
	assert.Nil(t, empty.Manifest)
	page, err := f.coord.ListManifests(ctx, models.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestIngestOrder_IsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	order := IncomingOrder{
		OrderId: "ORD-77",
		Items: []IncomingOrderItem{
			{ProductRef: "MUG", Quantity: 2, Materials: []models.NewUnitMaterial{{Sku: "S1", Qty: testutil.Dec(t, "1")}}},
			{ProductRef: "TEE", Quantity: 1},
		},
	}
	first, err := f.ledger.IngestOrder(ctx, order, "orders")
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.Len(t, first.Units, 3)
	for _, u := range first.Units {
		assert.Equal(t, models.StagePlanned, u.Stage)
	}

	again, err := f.ledger.IngestOrder(ctx, order, "orders")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Len(t, again.Units, 3)

	page, err := f.ledger.ListUnits(ctx, UnitQuery{OrderId: "ORD-77"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)

	_, err = f.ledger.IngestOrder(ctx, IncomingOrder{OrderId: "ORD-78"}, "orders")
	var validation *models.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestAuditTrail_IsAppendOnly(t *testing.T) {
	f := newFixture(t, false)
	u := f.unit(t)

	err := f.db.Model(&models.UnitAuditEntry{}).Where("unit_id = ?", u.ID).Update("message", "rewritten").Error
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrAppendOnly))

	err = f.db.Where("unit_id = ?", u.ID).Delete(&models.UnitAuditEntry{}).Error
	assert.True(t, errors.Is(err, config.ErrAppendOnly))

	got, err := f.ledger.GetUnit(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, got.AuditTrail, 1)
	assert.True(t, strings.HasPrefix(got.AuditTrail[0].Message, "unit created"))
}
