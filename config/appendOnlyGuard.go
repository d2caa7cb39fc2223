package config

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrAppendOnly is reported when an update or delete targets an append-only table.
var ErrAppendOnly = errors.New("table is append-only")

// AppendOnlyTables lists tables whose rows may be inserted but never changed:
// unit audit trails and the stock movement ledger.
var AppendOnlyTables = map[string]bool{
	"unit_audit_entries": true,
	"stock_movements":    true,
}

// AppendOnlyGuardPlugin rejects UPDATE/DELETE statements against AppendOnlyTables.
//
// NOTE: Raw/Exec SQL bypasses gorm callbacks and is not guarded.
type AppendOnlyGuardPlugin struct{}

func NewAppendOnlyGuardPlugin() *AppendOnlyGuardPlugin { return &AppendOnlyGuardPlugin{} }

func (p *AppendOnlyGuardPlugin) Name() string { return "append_only_guard" }

func (p *AppendOnlyGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("append_only_guard:update", appendOnlyGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("append_only_guard:delete", appendOnlyGuardCallback); err != nil {
		return err
	}
	return nil
}

func appendOnlyGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if AppendOnlyTables[table] {
		_ = db.AddError(fmt.Errorf("%w: %s", ErrAppendOnly, table))
	}
}
