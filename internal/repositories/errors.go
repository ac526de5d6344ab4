package repositories

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested record does not exist.
// Callers distinguish it from other failures with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example a second link for the same (provider, external id) pair or a
// consumed-state key that was already recorded.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation reports whether err is a unique constraint failure.
// GORM translates PostgreSQL errors to ErrDuplicatedKey; the modernc SQLite
// driver is not covered by the translator, so its message is matched.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
