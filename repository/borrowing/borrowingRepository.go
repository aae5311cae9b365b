// repository/borrowing/repo.go
package borrowrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"librarylend/model"
)

// HistoryRow is a borrowing joined with its book for response shaping.
// Loans are queried by borrower id, never materialized as a collection
// hanging off the book.
type HistoryRow struct {
	BorrowingID int64                 `json:"borrowing_id"`
	BookID      int64                 `json:"book_id"`
	BookTitle   string                `json:"book_title"`
	BookAuthor  string                `json:"book_author"`
	Status      model.BorrowingStatus `json:"status"`
	BorrowedAt  time.Time             `json:"borrowed_at"`
	DueAt       time.Time             `json:"due_at"`
	ReturnedAt  *time.Time            `json:"returned_at,omitempty"`
}

type Repo interface {
	RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) error
	GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error)
	MarkReturned(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error

	ListByBorrower(ctx context.Context, userID int64, onlyActive bool) ([]HistoryRow, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]HistoryRow, error)
}

type repo struct{ db *sql.DB }

func New(db *sql.DB) Repo { return &repo{db: db} }

func (r *repo) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *repo) Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) error {
	const q = `
		INSERT INTO borrowings (book_id, user_id, status, borrowed_at, due_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id`
	return tx.QueryRowContext(ctx, q,
		b.BookID, b.UserID, b.Status, b.BorrowedAt, b.DueAt,
	).Scan(&b.ID)
}

func (r *repo) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
	const q = `
		SELECT id, book_id, user_id, status, borrowed_at, due_at, returned_at
		FROM borrowings
		WHERE id = $1
		FOR UPDATE`
	b := &model.Borrowing{}
	err := tx.QueryRowContext(ctx, q, id).Scan(
		&b.ID, &b.BookID, &b.UserID, &b.Status, &b.BorrowedAt, &b.DueAt, &b.ReturnedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repo) MarkReturned(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	const q = `
		UPDATE borrowings
		SET status = $2,
			returned_at = $3
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, id, model.StatusReturned, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const historySelect = `
	SELECT
		br.id          AS borrowing_id,
		br.book_id     AS book_id,
		b.title        AS book_title,
		b.author       AS book_author,
		br.status      AS status,
		br.borrowed_at AS borrowed_at,
		br.due_at      AS due_at,
		br.returned_at AS returned_at
	FROM borrowings br
	JOIN books b ON b.id = br.book_id`

func (r *repo) ListByBorrower(ctx context.Context, userID int64, onlyActive bool) ([]HistoryRow, error) {
	q := historySelect + `
	WHERE br.user_id = $1
	ORDER BY br.borrowed_at DESC, br.id DESC`
	args := []any{userID}
	if onlyActive {
		q = historySelect + `
	WHERE br.user_id = $1 AND br.status = $2
	ORDER BY br.borrowed_at DESC, br.id DESC`
		args = append(args, model.StatusBorrowed)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (r *repo) ListOverdue(ctx context.Context, asOf time.Time) ([]HistoryRow, error) {
	q := historySelect + `
	WHERE br.status = $1 AND br.due_at < $2
	ORDER BY br.due_at ASC, br.id ASC`
	rows, err := r.db.QueryContext(ctx, q, model.StatusBorrowed, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]HistoryRow, error) {
	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(
			&h.BorrowingID, &h.BookID, &h.BookTitle, &h.BookAuthor,
			&h.Status, &h.BorrowedAt, &h.DueAt, &h.ReturnedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
