package lending

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type BookStatus string

const (
	StatusAvailable BookStatus = "Available"
	StatusBorrowed  BookStatus = "Borrowed"
)

// Reservation is one member's place in a book's queue.
type Reservation struct {
	MemberID   string    `json:"member_id"`
	CreatedAt  time.Time `json:"created_at"`
	NotifiedAt time.Time `json:"notified_at"`
	Notified   bool      `json:"notified"`
}

// BookInfo is descriptive metadata; the lending rules never look at it.
type BookInfo struct {
	Title     string `json:"title" yaml:"title"`
	Author    string `json:"author" yaml:"author"`
	Publisher string `json:"publisher" yaml:"publisher"`
	Year      int    `json:"year" yaml:"year"`
	ISBN      string `json:"isbn" yaml:"isbn"`
}

// CatalogEntry is a book's lending state together with its FIFO reservation
// queue. Holder is set iff Status is Borrowed. Revision is maintained by
// stores that detect concurrent writers.
type CatalogEntry struct {
	ID int64 `json:"id"`
	BookInfo
	Status   BookStatus    `json:"status"`
	Holder   string        `json:"holder"`
	Queue    []Reservation `json:"queue"`
	Revision int64         `json:"revision"`
}

// NewCatalogEntry returns an Available entry with an empty queue.
func NewCatalogEntry(id int64, info BookInfo) *CatalogEntry {
	return &CatalogEntry{ID: id, BookInfo: info, Status: StatusAvailable}
}

func (e *CatalogEntry) IsAvailable() bool { return e.Status == StatusAvailable }

// MarkBorrowed hands the book to memberID. The queue is left alone.
func (e *CatalogEntry) MarkBorrowed(memberID string) error {
	if e.Status != StatusAvailable {
		return ErrBookUnavailable
	}
	e.Status = StatusBorrowed
	e.Holder = memberID
	return nil
}

// MarkReturned makes the book Available again and notifies the queue head,
// if any. It reports whether a head was notified.
func (e *CatalogEntry) MarkReturned(now time.Time) (bool, error) {
	if e.Status != StatusBorrowed {
		return false, ErrNotHolder
	}
	e.Status = StatusAvailable
	e.Holder = ""
	if len(e.Queue) == 0 {
		return false, nil
	}
	e.notifyHead(now)
	return true, nil
}

func (e *CatalogEntry) notifyHead(now time.Time) {
	e.Queue[0].Notified = true
	e.Queue[0].NotifiedAt = now
}

// NotifyHeadIfPending notifies the head when the book is Available and the
// head has not been told yet. It reports whether a notification was made.
func (e *CatalogEntry) NotifyHeadIfPending(now time.Time) bool {
	if e.Status != StatusAvailable || len(e.Queue) == 0 || e.Queue[0].Notified {
		return false
	}
	e.notifyHead(now)
	return true
}

// Reserve appends memberID to the queue.
func (e *CatalogEntry) Reserve(memberID string, now time.Time) error {
	switch {
	case e.Status == StatusAvailable:
		return ErrBookAvailable
	case e.Holder == memberID:
		return ErrAlreadyHolder
	case e.HasReservation(memberID):
		return ErrAlreadyReserved
	}
	e.Queue = append(e.Queue, Reservation{MemberID: memberID, CreatedAt: now})
	return nil
}

// CancelReservation removes memberID's record wherever it sits, keeping the
// order of the rest.
func (e *CatalogEntry) CancelReservation(memberID string) bool {
	i := e.Position(memberID)
	if i < 0 {
		return false
	}
	e.Queue = slices.Delete(e.Queue, i, i+1)
	if len(e.Queue) == 0 {
		e.Queue = nil
	}
	return true
}

func (e *CatalogEntry) HasReservation(memberID string) bool {
	return e.Position(memberID) >= 0
}

// Position is the zero-based queue index of memberID, or -1.
func (e *CatalogEntry) Position(memberID string) int {
	return slices.IndexFunc(e.Queue, func(r Reservation) bool { return r.MemberID == memberID })
}

// HeadReservation returns the member entitled to borrow next.
func (e *CatalogEntry) HeadReservation() (Reservation, bool) {
	if len(e.Queue) == 0 {
		return Reservation{}, false
	}
	return e.Queue[0], true
}

// IsHeadExpired is true when the head was notified more than window ago.
func (e *CatalogEntry) IsHeadExpired(now time.Time, window time.Duration) bool {
	head, ok := e.HeadReservation()
	return ok && head.Notified && now.Sub(head.NotifiedAt) > window
}

// DropExpiredHead pops the head, which must be expired.
func (e *CatalogEntry) DropExpiredHead(now time.Time, window time.Duration) (Reservation, error) {
	if !e.IsHeadExpired(now, window) {
		return Reservation{}, errors.New("queue head is not expired")
	}
	head := e.Queue[0]
	e.Queue = slices.Delete(e.Queue, 0, 1)
	if len(e.Queue) == 0 {
		e.Queue = nil
	}
	return head, nil
}

// DropExpiredHeads pops heads for as long as they are expired and returns
// them in queue order.
func (e *CatalogEntry) DropExpiredHeads(now time.Time, window time.Duration) []Reservation {
	var dropped []Reservation
	for e.IsHeadExpired(now, window) {
		head, _ := e.DropExpiredHead(now, window)
		dropped = append(dropped, head)
	}
	return dropped
}

// Clone returns a deep copy.
func (e *CatalogEntry) Clone() *CatalogEntry {
	c := *e
	c.Queue = slices.Clone(e.Queue)
	return &c
}

// Validate checks the entry invariants; persisted entries that fail are
// skipped on load.
func (e *CatalogEntry) Validate() error {
	if e.ID <= 0 {
		return fmt.Errorf("book id %d is not positive", e.ID)
	}
	switch e.Status {
	case StatusAvailable:
		if e.Holder != "" {
			return fmt.Errorf("book %d is available but held by %q", e.ID, e.Holder)
		}
	case StatusBorrowed:
		if e.Holder == "" {
			return fmt.Errorf("book %d is borrowed without a holder", e.ID)
		}
	default:
		return fmt.Errorf("book %d has unknown status %q", e.ID, e.Status)
	}
	seen := make(map[string]struct{}, len(e.Queue))
	for _, r := range e.Queue {
		if r.MemberID == "" {
			return fmt.Errorf("book %d has a reservation without a member", e.ID)
		}
		if r.MemberID == e.Holder {
			return fmt.Errorf("book %d holder %q is also queued", e.ID, r.MemberID)
		}
		if _, dup := seen[r.MemberID]; dup {
			return fmt.Errorf("book %d queues member %q twice", e.ID, r.MemberID)
		}
		seen[r.MemberID] = struct{}{}
	}
	return nil
}
