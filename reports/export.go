// Package reports renders xlsx exports of dispatch manifests and purchase orders.
package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/xuri/excelize/v2"
)

const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// sheet writes headings in row 1 and rows below them.
func sheet(f *excelize.File, name string, headings []string, rows [][]interface{}) error {
	idx, err := f.NewSheet(name)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(name, cell, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(name, cell, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func newWorkbook(name string, headings []string, rows [][]interface{}) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := sheet(f, name, headings, rows); err != nil {
		_ = f.Close()
		return nil, err
	}
	if name != "Sheet1" {
		_ = f.DeleteSheet("Sheet1")
	}
	return f, nil
}

// ManifestWorkbook lists every unit shipped on the manifest.
func ManifestWorkbook(m *models.DispatchManifest) (*excelize.File, error) {
	rows := make([][]interface{}, 0, len(m.Units))
	for _, u := range m.Units {
		rows = append(rows, []interface{}{
			m.ID, m.Carrier, u.UnitId, u.OrderId, u.ProductRef, m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return newWorkbook("Manifest", []string{"ManifestId", "Carrier", "UnitId", "OrderId", "ProductRef", "DispatchedAt"}, rows)
}

// PurchaseOrdersWorkbook has one row per order line.
func PurchaseOrdersWorkbook(orders []models.PurchaseOrder) (*excelize.File, error) {
	var rows [][]interface{}
	for _, po := range orders {
		for _, l := range po.Lines {
			rows = append(rows, []interface{}{
				po.ID, po.VendorId, string(po.Status), l.Sku,
				l.Quantity.InexactFloat64(), l.Rate.InexactFloat64(),
				l.Quantity.Mul(l.Rate).InexactFloat64(), l.ReceivedQty.InexactFloat64(),
				po.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return newWorkbook("PurchaseOrders",
		[]string{"PurchaseOrderId", "VendorId", "Status", "Sku", "Quantity", "Rate", "Amount", "Received", "CreatedAt"}, rows)
}

// Write streams the workbook and closes it.
func Write(w io.Writer, f *excelize.File) error {
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
