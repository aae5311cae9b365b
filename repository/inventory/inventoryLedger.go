// Package inventory owns the per-book copy counters. Nothing else in the
// codebase writes available_copies: every mutation goes through the Ledger
// as a single conditional UPDATE, so the row itself is the serialization
// point and two service instances sharing one database stay consistent.
package inventory

import (
	"context"
	"database/sql"
	"errors"
)

// ErrBookNotFound is returned when the referenced book row does not exist.
var ErrBookNotFound = errors.New("book not found")

// ErrNoCopies is returned when a reservation finds available_copies == 0.
var ErrNoCopies = errors.New("no copies available")

type Ledger interface {
	// Reserve takes one copy of the book, or fails with ErrBookNotFound /
	// ErrNoCopies. With one copy left, concurrent reservers get exactly
	// one success.
	Reserve(ctx context.Context, tx *sql.Tx, bookID int64) error

	// Release hands one copy back, clamped at total_copies so a buggy
	// double release cannot overshoot. Callers must release once per
	// reservation.
	Release(ctx context.Context, tx *sql.Tx, bookID int64) error

	// AdjustTotal moves total_copies to newTotal and shifts
	// available_copies by the same delta, clamped to [0, newTotal].
	// Shrinking the total below the number of copies out on loan leaves
	// the book temporarily oversubscribed; that state resolves itself as
	// returns come in.
	AdjustTotal(ctx context.Context, tx *sql.Tx, bookID, newTotal int64) error
}

type ledger struct{}

func New() Ledger { return &ledger{} }

func (l *ledger) Reserve(ctx context.Context, tx *sql.Tx, bookID int64) error {
	const q = `
		UPDATE books
		SET available_copies = available_copies - 1
		WHERE id = $1
		AND available_copies > 0`
	res, err := tx.ExecContext(ctx, q, bookID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 1 {
		return nil
	}

	// No row matched: either the book is gone or it is out of copies.
	var exists bool
	const check = `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`
	if err := tx.QueryRowContext(ctx, check, bookID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrBookNotFound
	}
	return ErrNoCopies
}

func (l *ledger) Release(ctx context.Context, tx *sql.Tx, bookID int64) error {
	const q = `
		UPDATE books
		SET available_copies = LEAST(available_copies + 1, total_copies)
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, bookID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrBookNotFound
	}
	return nil
}

func (l *ledger) AdjustTotal(ctx context.Context, tx *sql.Tx, bookID, newTotal int64) error {
	const q = `
		UPDATE books
		SET total_copies = $2,
			available_copies = GREATEST(0, LEAST($2, available_copies + ($2 - total_copies)))
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, bookID, newTotal)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrBookNotFound
	}
	return nil
}
