package handlers

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/integration"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/middlewares"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/pipeline"
	"github.com/mmdatafocus/fulfillment_backend/replenishment"
	"github.com/mmdatafocus/fulfillment_backend/reports"
	"github.com/mmdatafocus/fulfillment_backend/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Total   int64           `json:"total"`
}

func newRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewTestDB(t)
	logger := config.NewLogger("error")

	bins := inventory.NewBinLedger(db, logger, 5)
	stock := inventory.NewEngine(db, bins, logger, inventory.Options{Workers: 2, MaxCycleCountSample: 10, Rand: rand.New(rand.NewSource(1))})
	ledger := pipeline.NewUnitLedger(db, logger, 5)
	h := &Handlers{
		DB:          db,
		Ledger:      ledger,
		Coordinator: pipeline.NewCoordinator(db, ledger, stock, logger, pipeline.CoordinatorOptions{Workers: 2, MaxRetries: 5}),
		Inventory:   stock,
		ROP:         replenishment.NewEngine(db, bins, logger, replenishment.Options{}),
		Queue:       integration.NewQueue(db, logger, 3),
		Logger:      logger,
	}
	r := gin.New()
	r.Use(middlewares.CorrelationId(), middlewares.Actor())
	h.Register(r)
	r.NoRoute(NotFound)
	return r, db
}

func call(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middlewares.HeaderActor, "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if w.Header().Get("Content-Type") != reports.ContentTypeXLSX && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestUnits_CreateAdvanceAndErrors(t *testing.T) {
	r, _ := newRouter(t)

	w, env := call(t, r, http.MethodPost, "/api/units", map[string]any{
		"order_id":    "ORD-1",
		"product_ref": "MUG",
		"materials":   []map[string]any{{"sku": "CUP", "qty": "1"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, env.Success)
	var unit models.ProductionUnit
	require.NoError(t, json.Unmarshal(env.Data, &unit))
	assert.Equal(t, models.StagePlanned, unit.Stage)
	assert.NotEmpty(t, w.Header().Get(middlewares.HeaderCorrelationId))

	w, env = call(t, r, http.MethodPost, "/api/units/"+unit.ID+"/advance", map[string]any{"from": "PLANNED", "to": "PACKED"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.Success)

	w, env = call(t, r, http.MethodPost, "/api/units/"+unit.ID+"/advance", map[string]any{"from": "PLANNED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"fields":{"To":"required"}}`, string(env.Data))

	w, env = call(t, r, http.MethodGet, "/api/units/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, env.Message)

	w, env = call(t, r, http.MethodGet, "/api/units?search=ORD-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, env.Total)

	w, _ = call(t, r, http.MethodGet, "/api/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrders_IngestIsIdempotent(t *testing.T) {
	r, _ := newRouter(t)
	order := map[string]any{
		"order_id": "ORD-9",
		"items":    []map[string]any{{"product_ref": "MUG", "quantity": 2}},
	}

	w, env := call(t, r, http.MethodPost, "/api/orders/ingest", order)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first pipeline.IntakeResult
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.Len(t, first.Units, 2)

	w, env = call(t, r, http.MethodPost, "/api/orders/ingest", order)
	require.Equal(t, http.StatusOK, w.Code)
	var second pipeline.IntakeResult
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.False(t, second.Created)
	assert.Len(t, second.Units, 2)

	w, _ = call(t, r, http.MethodPost, "/api/orders/pull", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestInventory_ShortageIsUnprocessable(t *testing.T) {
	r, db := newRouter(t)
	testutil.SeedBin(t, db, 1, "A-01")
	testutil.SeedStock(t, db, 1, "CUP", "1")
	u := testutil.SeedUnit(t, db, models.StageKitting, map[string]string{"CUP": "3"})

	w, env := call(t, r, http.MethodPost, "/api/inventory/availability", map[string]any{
		"items": []map[string]any{{"sku": "CUP", "qty": "3"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, env.Success)

	w, env = call(t, r, http.MethodPost, "/api/units/pick", map[string]any{"unit_ids": []string{u.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var picks []inventory.PickResult
	require.NoError(t, json.Unmarshal(env.Data, &picks))
	require.Len(t, picks, 1)
	assert.False(t, picks[0].Success)
	assert.True(t, testutil.StockQty(t, db, 1, "CUP").Equal(testutil.Dec(t, "1")))

	w, env = call(t, r, http.MethodGet, "/api/bins", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, env.Total)

	w, _ = call(t, r, http.MethodGet, "/api/bins/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplenishment_EmptyListsAndExport(t *testing.T) {
	r, _ := newRouter(t)

	w, env := call(t, r, http.MethodGet, "/api/purchase-orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", string(env.Data))

	w, _ = call(t, r, http.MethodGet, "/api/purchase-orders/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = call(t, r, http.MethodPost, "/api/purchase-orders", map[string]any{"rop_item_ids": []int{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, r, http.MethodGet, "/api/purchase-orders/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reports.ContentTypeXLSX, w.Header().Get("Content-Type"))
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	rows, err := f.GetRows("PurchaseOrders")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	w, env = call(t, r, http.MethodGet, "/api/rop/calculate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":false,"job_id":""}`, string(env.Data))

	w, _ = call(t, r, http.MethodPost, "/api/vendors/sync", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w, env = call(t, r, http.MethodGet, "/api/sync-queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, env.Total)
	w, _ = call(t, r, http.MethodPost, "/api/sync-queue/7/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
