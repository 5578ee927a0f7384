package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrVersionConflict means a compare-and-swap write lost against a concurrent
// writer of the same aggregate row.
var ErrVersionConflict = errors.New("aggregate row changed concurrently")

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// IsConflict reports whether err is a transient write conflict that a retry of
// the same atomic step can resolve.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateUniqueViolation:
			return true
		}
	}
	return false
}

func classifyWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrVersionConflict
	}
	return err
}
