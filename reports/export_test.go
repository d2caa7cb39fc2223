package reports

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func reopen(t *testing.T, f *excelize.File) *excelize.File {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, f))
	out, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Close() })
	return out
}

func TestManifestWorkbook(t *testing.T) {
	m := &models.DispatchManifest{
		ID:        7,
		Carrier:   "DHL",
		CreatedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Units: []models.DispatchManifestUnit{
			{UnitId: "u-1", OrderId: "O1", ProductRef: "TEE"},
			{UnitId: "u-2", OrderId: "O1", ProductRef: "CAP"},
		},
	}
	f, err := ManifestWorkbook(m)
	require.NoError(t, err)
	out := reopen(t, f)

	rows, err := out.GetRows("Manifest")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "UnitId", rows[0][2])
	assert.Equal(t, []string{"7", "DHL", "u-2", "O1", "CAP", "2026-03-10T09:00:00Z"}, rows[2])
	assert.NotContains(t, out.GetSheetList(), "Sheet1")
}

func TestPurchaseOrdersWorkbook_OneRowPerLine(t *testing.T) {
	orders := []models.PurchaseOrder{
		{ID: 1, VendorId: "V1", Status: models.PurchaseOrderStatusIssued, Lines: []models.PurchaseOrderLine{
			{Sku: "S1", Quantity: decimal.NewFromInt(10), Rate: decimal.RequireFromString("2.5")},
			{Sku: "S2", Quantity: decimal.NewFromInt(4), Rate: decimal.NewFromInt(3), ReceivedQty: decimal.NewFromInt(1)},
		}},
		{ID: 2, VendorId: "V2", Status: models.PurchaseOrderStatusReceived, Lines: []models.PurchaseOrderLine{
			{Sku: "S1", Quantity: decimal.NewFromInt(1), Rate: decimal.NewFromInt(2), ReceivedQty: decimal.NewFromInt(1)},
		}},
	}
	f, err := PurchaseOrdersWorkbook(orders)
	require.NoError(t, err)
	out := reopen(t, f)

	rows, err := out.GetRows("PurchaseOrders")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "25", rows[1][6])
	assert.Equal(t, "V2", rows[3][1])
	assert.Equal(t, string(models.PurchaseOrderStatusReceived), rows[3][2])
}
