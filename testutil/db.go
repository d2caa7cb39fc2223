// Package testutil opens throwaway SQLite databases migrated with the service schema.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB returns an in-memory database private to the test. A single
// connection serialises transactions the way row locks would on MySQL.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	cfg := config.InitConfig()
	cfg.Logger = logger.Default.LogMode(logger.Silent)
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := config.InstallPlugins(db); err != nil {
		t.Fatalf("install plugins: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Dec parses a decimal literal, failing the test on bad input.
func Dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

// SeedBin inserts a bin with an explicit id so pick order is predictable.
func SeedBin(t *testing.T, db *gorm.DB, id int, name string) models.Bin {
	t.Helper()
	active := true
	bin := models.Bin{ID: id, Name: name, IsActive: &active}
	if err := db.Create(&bin).Error; err != nil {
		t.Fatalf("seed bin %s: %v", name, err)
	}
	return bin
}

// SeedStock inserts a BinStock row directly, bypassing the ledger.
func SeedStock(t *testing.T, db *gorm.DB, binId int, sku string, qty string) models.BinStock {
	t.Helper()
	stock := models.BinStock{BinId: binId, Sku: sku, Qty: Dec(t, qty), Version: 1}
	if err := db.Create(&stock).Error; err != nil {
		t.Fatalf("seed stock %d/%s: %v", binId, sku, err)
	}
	return stock
}

// SeedUnit inserts a unit at stage with the given sku=qty materials.
func SeedUnit(t *testing.T, db *gorm.DB, stage models.Stage, materials map[string]string) models.ProductionUnit {
	t.Helper()
	unit := models.ProductionUnit{
		ID:         uuid.NewString(),
		OrderId:    "ORD-" + uuid.NewString()[:8],
		ProductRef: "PRODUCT",
		Stage:      stage,
	}
	for sku, qty := range materials {
		unit.Materials = append(unit.Materials, models.UnitMaterial{Sku: sku, Qty: Dec(t, qty)})
	}
	if err := db.Create(&unit).Error; err != nil {
		t.Fatalf("seed unit: %v", err)
	}
	return unit
}

// StockQty reads the current quantity of sku in a bin, zero when absent.
func StockQty(t *testing.T, db *gorm.DB, binId int, sku string) decimal.Decimal {
	t.Helper()
	var stock models.BinStock
	err := db.Where("bin_id = ? AND sku = ?", binId, sku).Limit(1).Find(&stock).Error
	if err != nil {
		t.Fatalf("read stock %d/%s: %v", binId, sku, err)
	}
	return stock.Qty
}
