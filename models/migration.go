package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by the service, in migration order.
func AllModels() []any {
	return []any{
		&ProductionUnit{}, &UnitMaterial{}, &UnitAuditEntry{},
		&Batch{}, &BatchMember{},
		&Bin{}, &BinStock{}, &StockMovement{}, &StockReservation{},
		&CycleCountSession{}, &CycleCountEntry{},
		&ROPItem{}, &ROPVendorSplit{}, &CalculationRun{}, &SkuUsage{},
		&PurchaseOrder{}, &PurchaseOrderLine{},
		&Vendor{}, &VendorRate{},
		&DispatchManifest{}, &DispatchManifestUnit{},
		&SyncQueueItem{}, &SyncCursor{},
		&EventRecord{},
		&IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
