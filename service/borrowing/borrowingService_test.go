package borrowsvc_test

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"librarylend/model"
	"librarylend/repository/inventory"
	borrowsvc "librarylend/service/borrowing"
)

// fakeStore is an in-memory stand-in for the book and borrowing tables.
// RunTx snapshots state before the callback and restores it on error, so
// rollback behaves like the real transaction would.
type fakeStore struct {
	mu      sync.Mutex
	books   map[int64]*fakeBook
	records map[int64]*model.Borrowing
	nextID  int64

	insertErr  error
	releaseErr error
}

type fakeBook struct {
	title     string
	author    string
	total     int64
	available int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		books:   make(map[int64]*fakeBook),
		records: make(map[int64]*model.Borrowing),
	}
}

func (f *fakeStore) addBook(id int64, title string, total int64) {
	f.books[id] = &fakeBook{title: title, author: "anon", total: total, available: total}
}

func (f *fakeStore) snapshot() (map[int64]*fakeBook, map[int64]*model.Borrowing) {
	books := make(map[int64]*fakeBook, len(f.books))
	for id, b := range f.books {
		cp := *b
		books[id] = &cp
	}
	records := make(map[int64]*model.Borrowing, len(f.records))
	for id, r := range f.records {
		cp := *r
		records[id] = &cp
	}
	return books, records
}

func (f *fakeStore) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	books, records := f.snapshot()
	if err := fn(nil); err != nil {
		f.books = books
		f.records = records
		return err
	}
	return nil
}

func (f *fakeStore) Reserve(ctx context.Context, tx *sql.Tx, bookID int64) error {
	b, ok := f.books[bookID]
	if !ok {
		return inventory.ErrBookNotFound
	}
	if b.available == 0 {
		return inventory.ErrNoCopies
	}
	b.available--
	return nil
}

func (f *fakeStore) Release(ctx context.Context, tx *sql.Tx, bookID int64) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	b, ok := f.books[bookID]
	if !ok {
		return inventory.ErrBookNotFound
	}
	if b.available < b.total {
		b.available++
	}
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	b.ID = f.nextID
	cp := *b
	f.records[b.ID] = &cp
	return nil
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) MarkReturned(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	r, ok := f.records[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Status = model.StatusReturned
	r.ReturnedAt = &at
	return nil
}

func (f *fakeStore) rows(filter func(*model.Borrowing) bool) []borrowsvc.HistoryRow {
	var out []borrowsvc.HistoryRow
	for _, r := range f.records {
		if !filter(r) {
			continue
		}
		book := f.books[r.BookID]
		title, author := "", ""
		if book != nil {
			title, author = book.title, book.author
		}
		out = append(out, borrowsvc.HistoryRow{
			BorrowingID: r.ID,
			BookID:      r.BookID,
			BookTitle:   title,
			BookAuthor:  author,
			Status:      r.Status,
			BorrowedAt:  r.BorrowedAt,
			DueAt:       r.DueAt,
			ReturnedAt:  r.ReturnedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BorrowedAt.Equal(out[j].BorrowedAt) {
			return out[i].BorrowedAt.After(out[j].BorrowedAt)
		}
		return out[i].BorrowingID > out[j].BorrowingID
	})
	return out
}

func (f *fakeStore) ListByBorrower(ctx context.Context, userID int64, onlyActive bool) ([]borrowsvc.HistoryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows(func(r *model.Borrowing) bool {
		if r.UserID != userID {
			return false
		}
		return !onlyActive || r.Status == model.StatusBorrowed
	}), nil
}

func (f *fakeStore) ListOverdue(ctx context.Context, asOf time.Time) ([]borrowsvc.HistoryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows(func(r *model.Borrowing) bool {
		return r.Status == model.StatusBorrowed && r.DueAt.Before(asOf)
	}), nil
}

func (f *fakeStore) available(bookID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books[bookID].available
}

func (f *fakeStore) invariantOK() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.books {
		if b.available < 0 || b.available > b.total {
			return false
		}
	}
	return true
}

func newSvc(f *fakeStore) borrowsvc.Service {
	return borrowsvc.New(f, f, nil, 14)
}

// --- tests ---

func TestBorrow_Success(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 3)
	svc := newSvc(f)

	rec, err := svc.Borrow(context.Background(), 7, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.BookID)
	require.Equal(t, int64(7), rec.UserID)
	require.Equal(t, model.StatusBorrowed, rec.Status)
	require.Nil(t, rec.ReturnedAt)
	require.Equal(t, rec.BorrowedAt.Add(14*24*time.Hour), rec.DueAt)
	require.Equal(t, int64(2), f.available(1))
	require.True(t, f.invariantOK())
}

func TestBorrow_BookNotFound(t *testing.T) {
	f := newFakeStore()
	svc := newSvc(f)

	_, err := svc.Borrow(context.Background(), 7, 99)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrBookNotFound, borrowsvc.Code(err))
}

func TestBorrow_ZeroCopies(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 0)
	svc := newSvc(f)

	_, err := svc.Borrow(context.Background(), 7, 1)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrNoCopies, borrowsvc.Code(err))
	require.Equal(t, int64(0), f.available(1))
}

func TestBorrow_InsertFailureRollsBackReservation(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 2)
	f.insertErr = errors.New("storage down")
	svc := newSvc(f)

	_, err := svc.Borrow(context.Background(), 7, 1)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrCode(""), borrowsvc.Code(err))

	// the reservation must not leak
	require.Equal(t, int64(2), f.available(1))
	require.Empty(t, f.records)
}

func TestReturn_RoundTrip(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 2)
	svc := newSvc(f)

	rec, err := svc.Borrow(context.Background(), 7, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.available(1))

	ret, err := svc.Return(context.Background(), 7, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, ret.Status)
	require.NotNil(t, ret.ReturnedAt)
	require.Equal(t, int64(2), f.available(1))
	require.True(t, f.invariantOK())
}

func TestReturn_Twice(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 1)
	svc := newSvc(f)

	rec, err := svc.Borrow(context.Background(), 7, 1)
	require.NoError(t, err)

	_, err = svc.Return(context.Background(), 7, rec.ID)
	require.NoError(t, err)

	_, err = svc.Return(context.Background(), 7, rec.ID)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrAlreadyReturned, borrowsvc.Code(err))

	// the copy came back exactly once
	require.Equal(t, int64(1), f.available(1))
}

func TestReturn_NotOwner(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 1)
	svc := newSvc(f)

	rec, err := svc.Borrow(context.Background(), 7, 1)
	require.NoError(t, err)

	_, err = svc.Return(context.Background(), 8, rec.ID)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrNotOwner, borrowsvc.Code(err))

	// no state change
	require.Equal(t, int64(0), f.available(1))
	stored, _ := f.GetForUpdate(context.Background(), nil, rec.ID)
	require.Equal(t, model.StatusBorrowed, stored.Status)
	require.Nil(t, stored.ReturnedAt)
}

func TestReturn_NotFound(t *testing.T) {
	f := newFakeStore()
	svc := newSvc(f)

	_, err := svc.Return(context.Background(), 7, 404)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrNotFound, borrowsvc.Code(err))
}

func TestReturn_ReleaseFailureKeepsRecordOpen(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 1)
	svc := newSvc(f)

	rec, err := svc.Borrow(context.Background(), 7, 1)
	require.NoError(t, err)

	f.releaseErr = errors.New("storage down")
	_, err = svc.Return(context.Background(), 7, rec.ID)
	require.Error(t, err)

	// status flip rolled back with the failed release; a retry starts clean
	stored, _ := f.GetForUpdate(context.Background(), nil, rec.ID)
	require.Equal(t, model.StatusBorrowed, stored.Status)
	require.Nil(t, stored.ReturnedAt)

	f.releaseErr = nil
	_, err = svc.Return(context.Background(), 7, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.available(1))
}

func TestConcurrentBorrow_OneCopyLeft(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 1)
	svc := newSvc(f)

	var success, exhausted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			_, err := svc.Borrow(context.Background(), uid, 1)
			switch {
			case err == nil:
				success.Add(1)
			case borrowsvc.Code(err) == borrowsvc.ErrNoCopies:
				exhausted.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	require.Equal(t, int32(1), success.Load())
	require.Equal(t, int32(1), exhausted.Load())
	require.Equal(t, int64(0), f.available(1))
}

func TestConcurrentBorrow_ManyCallers(t *testing.T) {
	const copies = 5
	const callers = 50

	f := newFakeStore()
	f.addBook(1, "Dune", copies)
	svc := newSvc(f)

	var success atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			if _, err := svc.Borrow(context.Background(), uid, 1); err == nil {
				success.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	require.Equal(t, int32(copies), success.Load())
	require.Equal(t, int64(0), f.available(1))
	require.True(t, f.invariantOK())
}

func TestHistory_MostRecentFirst(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 3)

	base := time.Now().UTC().Add(-72 * time.Hour)
	for i, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		id := int64(i + 1)
		f.records[id] = &model.Borrowing{
			ID:         id,
			BookID:     1,
			UserID:     7,
			Status:     model.StatusBorrowed,
			BorrowedAt: base.Add(offset),
			DueAt:      base.Add(offset).Add(14 * 24 * time.Hour),
		}
	}
	f.nextID = 3

	svc := newSvc(f)
	rows, err := svc.History(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, int64(3), rows[0].BorrowingID)
	require.Equal(t, int64(2), rows[1].BorrowingID)
	require.Equal(t, int64(1), rows[2].BorrowingID)
}

func TestMyBooks_ActiveOnlyWithOverdueFlag(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 3)

	now := time.Now().UTC()
	returned := now.Add(-time.Hour)
	f.records[1] = &model.Borrowing{
		ID: 1, BookID: 1, UserID: 7, Status: model.StatusReturned,
		BorrowedAt: now.Add(-48 * time.Hour), DueAt: now.Add(12 * 24 * time.Hour),
		ReturnedAt: &returned,
	}
	f.records[2] = &model.Borrowing{
		ID: 2, BookID: 1, UserID: 7, Status: model.StatusBorrowed,
		BorrowedAt: now.Add(-30 * 24 * time.Hour), DueAt: now.Add(-16 * 24 * time.Hour),
	}
	f.records[3] = &model.Borrowing{
		ID: 3, BookID: 1, UserID: 7, Status: model.StatusBorrowed,
		BorrowedAt: now, DueAt: now.Add(14 * 24 * time.Hour),
	}
	f.nextID = 3

	svc := newSvc(f)
	rows, err := svc.MyBooks(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, model.StatusBorrowed, r.Status)
		require.Equal(t, r.BorrowingID == 2, r.Overdue)
	}
}

func TestScenario_SingleCopyLifecycle(t *testing.T) {
	f := newFakeStore()
	f.addBook(1, "Dune", 1)
	svc := newSvc(f)
	ctx := context.Background()

	rec, err := svc.Borrow(ctx, 1, 1) // U1 takes the only copy
	require.NoError(t, err)
	require.Equal(t, int64(0), f.available(1))

	_, err = svc.Borrow(ctx, 2, 1) // U2 is rejected
	require.Equal(t, borrowsvc.ErrNoCopies, borrowsvc.Code(err))

	ret, err := svc.Return(ctx, 1, rec.ID) // U1 returns
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, ret.Status)
	require.NotNil(t, ret.ReturnedAt)
	require.Equal(t, int64(1), f.available(1))

	_, err = svc.Borrow(ctx, 2, 1) // now U2 succeeds
	require.NoError(t, err)
	require.Equal(t, int64(0), f.available(1))
}

// flakyStore injects transient serialization failures ahead of the real tx.
type flakyStore struct {
	*fakeStore
	failures int32
}

func (f *flakyStore) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	}
	return f.fakeStore.RunTx(ctx, fn)
}

func TestBorrow_RetriesTransientConflict(t *testing.T) {
	inner := newFakeStore()
	inner.addBook(1, "Dune", 1)
	f := &flakyStore{fakeStore: inner, failures: 2}
	svc := borrowsvc.New(f, inner, nil, 14)

	rec, err := svc.Borrow(context.Background(), 7, 1)
	require.NoError(t, err)
	require.NotZero(t, rec.ID)
	require.Equal(t, int64(0), inner.available(1))
}

func TestBorrow_RetryBudgetExhausted(t *testing.T) {
	inner := newFakeStore()
	inner.addBook(1, "Dune", 1)
	f := &flakyStore{fakeStore: inner, failures: 10}
	svc := borrowsvc.New(f, inner, nil, 14)

	_, err := svc.Borrow(context.Background(), 7, 1)
	require.Error(t, err)
	require.Equal(t, borrowsvc.ErrCode(""), borrowsvc.Code(err))

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.Equal(t, int64(1), inner.available(1))
}
