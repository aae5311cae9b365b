// repository/book/repo.go
package bookrepo

import (
	"context"
	"database/sql"
	"errors"

	"librarylend/model"
)

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

func (r *repo) Insert(ctx context.Context, tx *sql.Tx, b *model.Book) error {
	// available_copies starts equal to total_copies
	const q = `
		INSERT INTO books (title, author, isbn, published_year, total_copies, available_copies)
		VALUES ($1,$2,$3,$4,$5,$5)
		RETURNING id, created_at`
	return tx.QueryRowContext(ctx, q,
		b.Title, b.Author, b.ISBN, b.PublishedYear, b.TotalCopies,
	).Scan(&b.ID, &b.CreatedAt)
}

// UpdateFields writes the catalog attributes only; the copy counters belong
// to the inventory ledger.
func (r *repo) UpdateFields(ctx context.Context, tx *sql.Tx, b *model.Book) error {
	const q = `
		UPDATE books
		SET title = $2, author = $3, isbn = $4, published_year = $5
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, b.ID, b.Title, b.Author, b.ISBN, b.PublishedYear)
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

func (r *repo) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (r *repo) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Book, error) {
	const q = `
		SELECT id, title, author, isbn, published_year, total_copies, available_copies, created_at
		FROM books
		WHERE id = $1
		FOR UPDATE`
	b := &model.Book{}
	err := tx.QueryRowContext(ctx, q, id).Scan(
		&b.ID, &b.Title, &b.Author, &b.ISBN, &b.PublishedYear,
		&b.TotalCopies, &b.AvailableCopies, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repo) List(ctx context.Context) ([]model.Book, error) {
	const q = `
		SELECT id, title, author, isbn, published_year, total_copies, available_copies, created_at
		FROM books
		ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

func (r *repo) Detail(ctx context.Context, id int64) (*model.Book, error) {
	const q = `
		SELECT id, title, author, isbn, published_year, total_copies, available_copies, created_at
		FROM books
		WHERE id = $1`
	b := &model.Book{}
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&b.ID, &b.Title, &b.Author, &b.ISBN, &b.PublishedYear,
		&b.TotalCopies, &b.AvailableCopies, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repo) Search(ctx context.Context, query string) ([]model.Book, error) {
	const q = `
		SELECT id, title, author, isbn, published_year, total_copies, available_copies, created_at
		FROM books
		WHERE title ILIKE '%' || $1 || '%'
		OR author ILIKE '%' || $1 || '%'
		OR isbn ILIKE '%' || $1 || '%'
		ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, q, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

func scanBooks(rows *sql.Rows) ([]model.Book, error) {
	var out []model.Book
	for rows.Next() {
		var b model.Book
		if err := rows.Scan(
			&b.ID, &b.Title, &b.Author, &b.ISBN, &b.PublishedYear,
			&b.TotalCopies, &b.AvailableCopies, &b.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
