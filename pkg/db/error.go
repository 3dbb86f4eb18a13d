package db

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique constraint violation.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsTransientErr reports whether err is a lock or commit failure that is
// safe to retry from the top of the transaction.
func IsTransientErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()

	// PostgreSQL serialization (40001) and deadlock (40P01)
	if strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected") {
		return true
	}

	// MySQL lock wait timeout (1205) and deadlock (1213)
	if strings.Contains(msg, "Lock wait timeout exceeded") ||
		strings.Contains(msg, "Deadlock found when trying to get lock") {
		return true
	}

	// SQLite busy database
	if strings.Contains(msg, "database is locked") {
		return true
	}

	return false
}
