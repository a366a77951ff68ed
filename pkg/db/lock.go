package db

import (
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate applies a row lock where the dialect supports it. SQLite has a
// single writer, so the clause is omitted there.
func ForUpdate(db *gorm.DB) *gorm.DB {
	if strings.EqualFold(db.Dialector.Name(), "sqlite") {
		return db
	}
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

// ForUpdateSkipLocked claims rows without waiting on ones already claimed by
// a concurrent worker.
func ForUpdateSkipLocked(db *gorm.DB) *gorm.DB {
	if strings.EqualFold(db.Dialector.Name(), "sqlite") {
		return db
	}
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: "SKIP LOCKED"})
}

// IsLockContention reports whether err came from lock acquisition timing out
// rather than from the statement itself.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "could not obtain lock") ||
		strings.Contains(message, "lock wait timeout") ||
		strings.Contains(message, "database is locked")
}
