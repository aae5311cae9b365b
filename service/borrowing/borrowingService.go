package borrowsvc

import (
	"context"
	"database/sql"
	"errors"
	"time"

	borrowrepo "librarylend/repository/borrowing"
	"librarylend/repository/inventory"
	"librarylend/util/cache"
	"librarylend/util/pgerr"

	"librarylend/model"
)

// errors used by controllers

type ErrCode string

const (
	ErrBookNotFound    ErrCode = "BOOK_NOT_FOUND"
	ErrNoCopies        ErrCode = "NO_COPIES"
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrNotOwner        ErrCode = "NOT_OWNER"
	ErrAlreadyReturned ErrCode = "ALREADY_RETURNED"
)

type codedError struct{ code ErrCode }

func (e codedError) Error() string { return string(e.code) }
func (e codedError) Code() ErrCode { return e.code }
func makeErr(c ErrCode) error      { return codedError{code: c} }

// Code extracts error code
func Code(err error) ErrCode {
	var ce interface{ Code() ErrCode }
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

// HistoryRow = repository shape
type HistoryRow = borrowrepo.HistoryRow

// Row adds the derived overdue flag to a history row.
type Row struct {
	HistoryRow
	Overdue bool `json:"overdue"`
}

type Repo interface {
	RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) error
	GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error)
	MarkReturned(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error

	ListByBorrower(ctx context.Context, userID int64, onlyActive bool) ([]HistoryRow, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]HistoryRow, error)
}

type Ledger interface {
	Reserve(ctx context.Context, tx *sql.Tx, bookID int64) error
	Release(ctx context.Context, tx *sql.Tx, bookID int64) error
}

type Service interface {
	// Borrow: reserve one copy and open a loan, as one transaction.
	Borrow(ctx context.Context, userID, bookID int64) (*model.Borrowing, error)

	// Return: close the loan and hand the copy back, as one transaction.
	Return(ctx context.Context, userID, borrowingID int64) (*model.Borrowing, error)

	// MyBooks: open loans for a borrower.
	MyBooks(ctx context.Context, userID int64) ([]Row, error)

	// History: all loans for a borrower, most recent first.
	History(ctx context.Context, userID int64) ([]Row, error)

	// Overdue: all open loans past their due date, library-wide.
	Overdue(ctx context.Context) ([]Row, error)
}

// ----- Service implementation -----

type service struct {
	r          Repo
	l          Ledger
	c          *cache.Cache
	loanPeriod time.Duration
}

func New(r Repo, l Ledger, c *cache.Cache, loanDays int) Service {
	return &service{r: r, l: l, c: c, loanPeriod: time.Duration(loanDays) * 24 * time.Hour}
}

const txAttempts = 3

// runTx retries the whole transaction on transient lock contention, a
// small bounded number of times. Domain failures come back as coded
// errors and are never retried.
func (s *service) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		err = s.r.RunTx(ctx, fn)
		if err == nil || !pgerr.Retryable(err) {
			return err
		}
	}
	return err
}

func (s *service) Borrow(ctx context.Context, userID, bookID int64) (*model.Borrowing, error) {
	now := time.Now().UTC()
	b := &model.Borrowing{
		BookID:     bookID,
		UserID:     userID,
		Status:     model.StatusBorrowed,
		BorrowedAt: now,
		DueAt:      now.Add(s.loanPeriod),
	}

	err := s.runTx(ctx, func(tx *sql.Tx) error {
		if err := s.l.Reserve(ctx, tx, bookID); err != nil {
			switch {
			case errors.Is(err, inventory.ErrBookNotFound):
				return makeErr(ErrBookNotFound)
			case errors.Is(err, inventory.ErrNoCopies):
				return makeErr(ErrNoCopies)
			}
			return err
		}
		// Reservation and record ride the same transaction: a failed
		// insert rolls the reservation back with it, a failed reserve
		// creates no record.
		return s.r.Insert(ctx, tx, b)
	})
	if err != nil {
		return nil, err
	}

	s.c.InvalidateBook(ctx, bookID)
	return b, nil
}

func (s *service) Return(ctx context.Context, userID, borrowingID int64) (*model.Borrowing, error) {
	var out *model.Borrowing

	err := s.runTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.r.GetForUpdate(ctx, tx, borrowingID)
		if err != nil {
			return err
		}
		if rec == nil {
			return makeErr(ErrNotFound)
		}
		if rec.UserID != userID {
			return makeErr(ErrNotOwner)
		}
		if rec.Status == model.StatusReturned {
			return makeErr(ErrAlreadyReturned)
		}

		now := time.Now().UTC()
		if err := s.r.MarkReturned(ctx, tx, rec.ID, now); err != nil {
			return err
		}
		// The status flip and the copy release commit or fail together,
		// so a returned record can never leave the book short a copy.
		if err := s.l.Release(ctx, tx, rec.BookID); err != nil {
			return err
		}

		rec.Status = model.StatusReturned
		rec.ReturnedAt = &now
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.c.InvalidateBook(ctx, out.BookID)
	return out, nil
}

func (s *service) MyBooks(ctx context.Context, userID int64) ([]Row, error) {
	rows, err := s.r.ListByBorrower(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	return withOverdue(rows), nil
}

func (s *service) History(ctx context.Context, userID int64) ([]Row, error) {
	rows, err := s.r.ListByBorrower(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	return withOverdue(rows), nil
}

func (s *service) Overdue(ctx context.Context) ([]Row, error) {
	rows, err := s.r.ListOverdue(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return withOverdue(rows), nil
}

func withOverdue(rows []HistoryRow) []Row {
	now := time.Now().UTC()
	out := make([]Row, 0, len(rows))
	for _, h := range rows {
		out = append(out, Row{
			HistoryRow: h,
			Overdue:    h.Status == model.StatusBorrowed && now.After(h.DueAt),
		})
	}
	return out
}
