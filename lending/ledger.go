package lending

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BorrowEvent is one entry of a member's borrow history. FineAssessed is the
// part of the member's fines already charged for this loan.
type BorrowEvent struct {
	ID           uuid.UUID       `json:"id"`
	BookID       int64           `json:"book_id"`
	BorrowedAt   time.Time       `json:"borrowed_at"`
	DueAt        time.Time       `json:"due_at"`
	Returned     bool            `json:"returned"`
	ReturnedAt   time.Time       `json:"returned_at"`
	FineAssessed decimal.Decimal `json:"fine_assessed"`
}

// Ledger is a member's account: open loans, history, and fines.
type Ledger struct {
	MemberID    string
	Borrowed    map[int64]struct{}
	History     []BorrowEvent
	FineBalance decimal.Decimal
	FinePaid    bool
	Revision    int64
}

func NewLedger(memberID string) *Ledger {
	return &Ledger{
		MemberID:    memberID,
		Borrowed:    map[int64]struct{}{},
		FineBalance: decimal.Zero,
		FinePaid:    true,
	}
}

func (l *Ledger) IsBorrowing(bookID int64) bool {
	_, ok := l.Borrowed[bookID]
	return ok
}

// BorrowedBooks returns the open loans' book ids in ascending order.
func (l *Ledger) BorrowedBooks() []int64 {
	return slices.Sorted(maps.Keys(l.Borrowed))
}

func (l *Ledger) RecordBorrow(bookID int64, borrowedAt, dueAt time.Time) error {
	if l.IsBorrowing(bookID) {
		return fmt.Errorf("book %d is already borrowed by %s", bookID, l.MemberID)
	}
	if l.Borrowed == nil {
		l.Borrowed = map[int64]struct{}{}
	}
	l.Borrowed[bookID] = struct{}{}
	l.History = append(l.History, BorrowEvent{
		ID:           uuid.New(),
		BookID:       bookID,
		BorrowedAt:   borrowedAt,
		DueAt:        dueAt,
		FineAssessed: decimal.Zero,
	})
	return nil
}

func (l *Ledger) RecordReturn(bookID int64, returnedAt time.Time) error {
	if !l.IsBorrowing(bookID) {
		return fmt.Errorf("book %d is not borrowed by %s", bookID, l.MemberID)
	}
	i := l.openEvent(bookID)
	if i < 0 {
		return errors.New("ledger has no open history entry for a borrowed book")
	}
	delete(l.Borrowed, bookID)
	l.History[i].Returned = true
	l.History[i].ReturnedAt = returnedAt
	return nil
}

// openEvent finds the unreturned history entry for bookID, latest first.
func (l *Ledger) openEvent(bookID int64) int {
	for i := len(l.History) - 1; i >= 0; i-- {
		if l.History[i].BookID == bookID && !l.History[i].Returned {
			return i
		}
	}
	return -1
}

// AssessFine adds delta to the balance, clamping at zero. A negative delta is
// a payment.
func (l *Ledger) AssessFine(delta decimal.Decimal) decimal.Decimal {
	l.FineBalance = l.FineBalance.Add(delta)
	if l.FineBalance.Sign() <= 0 {
		l.FineBalance = decimal.Zero
	}
	l.FinePaid = l.FineBalance.IsZero()
	return l.FineBalance
}

func (l *Ledger) CanBorrowMore(p Policy) bool {
	return l.FinePaid && len(l.Borrowed) < p.MaxConcurrentLoans
}

// reconcileFines brings the charged fine of every open loan up to what p says
// is owed at now. It returns whether the balance changed.
func (l *Ledger) reconcileFines(p Policy, now time.Time, unit time.Duration) bool {
	changed := false
	for i := range l.History {
		ev := &l.History[i]
		if ev.Returned || !l.IsBorrowing(ev.BookID) {
			continue
		}
		owed := p.Fine(UnitsOverdue(ev.DueAt, now, unit))
		delta := owed.Sub(ev.FineAssessed)
		if delta.Sign() <= 0 {
			continue
		}
		ev.FineAssessed = owed
		l.AssessFine(delta)
		changed = true
	}
	return changed
}

// UnitsOverdue is floor((now - due) / unit); negative when not yet due.
func UnitsOverdue(due, now time.Time, unit time.Duration) int {
	d := now.Sub(due)
	n := int(d / unit)
	if d < 0 && d%unit != 0 {
		n--
	}
	return n
}

func (l *Ledger) Clone() *Ledger {
	c := *l
	c.Borrowed = maps.Clone(l.Borrowed)
	if c.Borrowed == nil {
		c.Borrowed = map[int64]struct{}{}
	}
	c.History = slices.Clone(l.History)
	return &c
}

// Validate checks that Borrowed matches the open history entries and that the
// fine fields agree.
func (l *Ledger) Validate() error {
	if l.MemberID == "" {
		return errors.New("ledger without member id")
	}
	if l.FineBalance.Sign() < 0 {
		return fmt.Errorf("ledger %s has a negative fine balance", l.MemberID)
	}
	if l.FinePaid != l.FineBalance.IsZero() {
		return fmt.Errorf("ledger %s fine paid flag disagrees with balance %s", l.MemberID, l.FineBalance)
	}
	open := map[int64]struct{}{}
	for _, ev := range l.History {
		if ev.Returned {
			continue
		}
		if _, dup := open[ev.BookID]; dup {
			return fmt.Errorf("ledger %s has two open loans of book %d", l.MemberID, ev.BookID)
		}
		open[ev.BookID] = struct{}{}
	}
	if !maps.Equal(open, l.Borrowed) {
		return fmt.Errorf("ledger %s borrowed set disagrees with history", l.MemberID)
	}
	return nil
}
