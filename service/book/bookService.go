package booksvc

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"librarylend/model"
	"librarylend/util/cache"
	"librarylend/util/pgerr"
)

type ErrCode string

const (
	ErrBadInput      ErrCode = "BAD_INPUT"
	ErrNotFound      ErrCode = "NOT_FOUND"
	ErrISBNTaken     ErrCode = "ISBN_TAKEN"
	ErrHasBorrowings ErrCode = "HAS_BORROWINGS"
)

type codedError struct{ code ErrCode }

func (e codedError) Error() string { return string(e.code) }
func (e codedError) Code() ErrCode { return e.code }
func makeErr(c ErrCode) error      { return codedError{code: c} }

func Code(err error) ErrCode {
	var ce interface{ Code() ErrCode }
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

// Input carries the librarian-editable book attributes.
type Input struct {
	Title         string
	Author        string
	ISBN          string
	PublishedYear int
	TotalCopies   int64
}

type Repo interface {
	RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	Insert(ctx context.Context, tx *sql.Tx, b *model.Book) error
	UpdateFields(ctx context.Context, tx *sql.Tx, b *model.Book) error
	Delete(ctx context.Context, id int64) (bool, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Book, error)

	List(ctx context.Context) ([]model.Book, error)
	Detail(ctx context.Context, id int64) (*model.Book, error)
	Search(ctx context.Context, query string) ([]model.Book, error)
}

type Ledger interface {
	AdjustTotal(ctx context.Context, tx *sql.Tx, bookID, newTotal int64) error
}

type Service interface {
	Create(ctx context.Context, in Input) (*model.Book, error)
	Update(ctx context.Context, id int64, in Input) (*model.Book, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]model.Book, error)
	Detail(ctx context.Context, id int64) (*model.Book, error)
	Search(ctx context.Context, query string) ([]model.Book, error)
}

type service struct {
	r Repo
	l Ledger
	c *cache.Cache
}

func New(r Repo, l Ledger, c *cache.Cache) Service { return &service{r: r, l: l, c: c} }

const txAttempts = 3

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

func validate(in Input) error {
	if strings.TrimSpace(in.Title) == "" ||
		strings.TrimSpace(in.Author) == "" ||
		strings.TrimSpace(in.ISBN) == "" ||
		in.TotalCopies < 0 {
		return makeErr(ErrBadInput)
	}
	return nil
}

func (s *service) Create(ctx context.Context, in Input) (*model.Book, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	b := &model.Book{
		Title:         in.Title,
		Author:        in.Author,
		ISBN:          in.ISBN,
		PublishedYear: in.PublishedYear,
		TotalCopies:   in.TotalCopies,
		// a fresh book has every copy on the shelf
		AvailableCopies: in.TotalCopies,
	}
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		return s.r.Insert(ctx, tx, b)
	})
	if err != nil {
		if _, ok := pgerr.UniqueViolation(err); ok {
			return nil, makeErr(ErrISBNTaken)
		}
		return nil, err
	}
	return b, nil
}

// Update rewrites the catalog fields and lets the ledger shift the copy
// counters by the total-copies delta, all in one transaction. Resetting
// available_copies outright would fabricate or destroy in-flight loans.
func (s *service) Update(ctx context.Context, id int64, in Input) (*model.Book, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.r.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return makeErr(ErrNotFound)
		}
		cur.Title = in.Title
		cur.Author = in.Author
		cur.ISBN = in.ISBN
		cur.PublishedYear = in.PublishedYear
		if err := s.r.UpdateFields(ctx, tx, cur); err != nil {
			return err
		}
		if in.TotalCopies != cur.TotalCopies {
			return s.l.AdjustTotal(ctx, tx, id, in.TotalCopies)
		}
		return nil
	})
	if err != nil {
		if _, ok := pgerr.UniqueViolation(err); ok {
			return nil, makeErr(ErrISBNTaken)
		}
		return nil, err
	}

	s.c.InvalidateBook(ctx, id)
	return s.Detail(ctx, id)
}

func (s *service) Delete(ctx context.Context, id int64) error {
	ok, err := s.r.Delete(ctx, id)
	if err != nil {
		if pgerr.ForeignKeyViolation(err) {
			// loan history references the book; it stays
			return makeErr(ErrHasBorrowings)
		}
		return err
	}
	if !ok {
		return makeErr(ErrNotFound)
	}
	s.c.InvalidateBook(ctx, id)
	return nil
}

func (s *service) List(ctx context.Context) ([]model.Book, error) { return s.r.List(ctx) }

func (s *service) Detail(ctx context.Context, id int64) (*model.Book, error) {
	if b, ok := s.c.GetBook(ctx, id); ok {
		return b, nil
	}
	b, err := s.r.Detail(ctx, id)
	if err != nil {
		return nil, err
	}
	if b != nil {
		s.c.SetBook(ctx, b)
	}
	return b, nil
}

func (s *service) Search(ctx context.Context, query string) ([]model.Book, error) {
	return s.r.Search(ctx, query)
}
