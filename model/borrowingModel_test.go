package model

import (
	"testing"
	"time"
)

func TestOverdue_Derivation(t *testing.T) {
	now := time.Now().UTC()

	open := &Borrowing{Status: StatusBorrowed, DueAt: now.Add(-time.Hour)}
	if !open.Overdue(now) {
		t.Fatal("open loan past due date should be overdue")
	}

	onTime := &Borrowing{Status: StatusBorrowed, DueAt: now.Add(time.Hour)}
	if onTime.Overdue(now) {
		t.Fatal("open loan before due date should not be overdue")
	}

	// a returned loan is never overdue, even past its due date
	ret := now.Add(-time.Minute)
	closed := &Borrowing{Status: StatusReturned, DueAt: now.Add(-time.Hour), ReturnedAt: &ret}
	if closed.Overdue(now) {
		t.Fatal("returned loan should never be overdue")
	}
}
