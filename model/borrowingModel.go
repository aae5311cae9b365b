// model/borrowing.go
package model

import "time"

type BorrowingStatus string

const (
	StatusBorrowed BorrowingStatus = "BORROWED"
	StatusReturned BorrowingStatus = "RETURNED"
)

type Borrowing struct {
	ID         int64           `json:"id"`
	BookID     int64           `json:"book_id"`
	UserID     int64           `json:"user_id"`
	Status     BorrowingStatus `json:"status"`
	BorrowedAt time.Time       `json:"borrowed_at"`
	DueAt      time.Time       `json:"due_at"`
	ReturnedAt *time.Time      `json:"returned_at,omitempty"`
}

// Overdue is derived, never stored: an open loan past its due date.
func (b *Borrowing) Overdue(now time.Time) bool {
	return b.Status == StatusBorrowed && now.After(b.DueAt)
}
