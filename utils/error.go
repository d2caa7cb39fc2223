package utils

import (
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrLockNotObtained is returned by ObtainLock when another holder owns the key.
var ErrLockNotObtained = errors.New("could not obtain lock")

// IsDuplicateKeyErr reports a unique-constraint violation from MySQL (1062),
// a dialect-translated gorm.ErrDuplicatedKey, or SQLite.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
