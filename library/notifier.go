package library

import (
	"context"
	"log/slog"
	"sync"

	"library-lending/lending"
)

// Inbox is the default notifier: it logs every reservation notification and
// keeps it until the member next looks.
type Inbox struct {
	log *slog.Logger

	mu      sync.Mutex
	pending map[string][]lending.Notification
}

var _ lending.Notifier = (*Inbox)(nil)

func NewInbox(logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{log: logger, pending: map[string][]lending.Notification{}}
}

func (in *Inbox) Notify(_ context.Context, n lending.Notification) error {
	in.log.Info("Reservation ready",
		"member", n.MemberID,
		"book", n.BookID,
		"title", n.Title,
		"expires_at", n.ExpiresAt)

	in.mu.Lock()
	in.pending[n.MemberID] = append(in.pending[n.MemberID], n)
	in.mu.Unlock()
	return nil
}

// Drain returns and forgets the notifications waiting for memberID.
func (in *Inbox) Drain(memberID string) []lending.Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.pending[memberID]
	delete(in.pending, memberID)
	return out
}
