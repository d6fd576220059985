package lending

import (
	"context"
	"time"
)

// Store is the persistence collaborator. The engine loads everything at
// construction and on Refresh, and writes through after every committed
// intent. Stores shared between processes reject a save made on top of an
// outdated Revision with ErrConflict and advance Revision on success.
type Store interface {
	LoadMembers(ctx context.Context) ([]Member, error)
	LoadCatalog(ctx context.Context) ([]CatalogEntry, error)
	LoadLedgers(ctx context.Context) ([]Ledger, error)

	SaveMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, id string) error
	SaveCatalogEntry(ctx context.Context, e *CatalogEntry) error
	DeleteCatalogEntry(ctx context.Context, id int64) error
	SaveLedger(ctx context.Context, l *Ledger) error
	DeleteLedger(ctx context.Context, memberID string) error
}

// Notification tells a member the book they queued for can be borrowed until
// ExpiresAt.
type Notification struct {
	MemberID   string
	BookID     int64
	Title      string
	NotifiedAt time.Time
	ExpiresAt  time.Time
}

// Notifier delivers reservation notifications. It is called after the state
// change has been saved; its failures never undo the change.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
