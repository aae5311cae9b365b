// Package pgerr classifies postgres errors so services can map them to
// domain outcomes instead of string-matching messages.
package pgerr

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func asPgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}

// UniqueViolation reports whether err is a unique-constraint violation,
// returning the constraint name for callers that need to tell columns
// apart.
func UniqueViolation(err error) (constraint string, ok bool) {
	if pgErr := asPgError(err); pgErr != nil && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func ForeignKeyViolation(err error) bool {
	pgErr := asPgError(err)
	return pgErr != nil && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// Retryable reports whether the transaction is worth re-running:
// serialization failures and deadlocks are transient lock contention,
// everything else is not.
func Retryable(err error) bool {
	pgErr := asPgError(err)
	if pgErr == nil {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure ||
		pgErr.Code == pgerrcode.DeadlockDetected
}
