package lending

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

// memStore records saved snapshots and can be told to fail.
type memStore struct {
	mu      sync.Mutex
	members map[string]Member
	entries map[int64]*CatalogEntry
	ledgers map[string]*Ledger

	failEntrySave  bool
	failLedgerSave bool
	// conflictOnce makes the next book save report another writer.
	conflictOnce bool
	entrySaves   int
	ledgerSaves  int
}

func newMemStore() *memStore {
	return &memStore{
		members: map[string]Member{},
		entries: map[int64]*CatalogEntry{},
		ledgers: map[string]*Ledger{},
	}
}

func (s *memStore) LoadMembers(context.Context) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Member
	for _, m := range s.members {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) LoadCatalog(context.Context) ([]CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CatalogEntry
	for _, e := range s.entries {
		out = append(out, *e.Clone())
	}
	return out, nil
}

func (s *memStore) LoadLedgers(context.Context) ([]Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Ledger
	for _, l := range s.ledgers {
		out = append(out, *l.Clone())
	}
	return out, nil
}

func (s *memStore) SaveMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	return nil
}

func (s *memStore) DeleteMember(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, id)
	return nil
}

func (s *memStore) SaveCatalogEntry(_ context.Context, e *CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEntrySave {
		return errDiskFull
	}
	if s.conflictOnce {
		s.conflictOnce = false
		return ErrConflict
	}
	s.entrySaves++
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *memStore) DeleteCatalogEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) SaveLedger(_ context.Context, l *Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLedgerSave {
		return errDiskFull
	}
	s.ledgerSaves++
	s.ledgers[l.MemberID] = l.Clone()
	return nil
}

func (s *memStore) DeleteLedger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledgers, id)
	return nil
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const unit = 10 * time.Second

type fixture struct {
	engine *Engine
	store  *memStore
	clock  *ManualClock
	sent   []Notification
}

// newFixture builds an engine with students S1..S3, faculty F1, librarian L1
// and books 1..3, using the reference ten-second day.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), clock: NewManualClock(epoch)}
	notifier := NotifierFunc(func(_ context.Context, n Notification) error {
		f.sent = append(f.sent, n)
		return nil
	})
	eng, err := NewEngine(context.Background(), f.store, Config{TimeUnit: unit, ReservationWindow: 3},
		WithClock(f.clock),
		WithNotifier(notifier),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	f.engine = eng

	ctx := context.Background()
	for _, m := range []Member{
		{ID: "S1", Name: "John Doe", Role: RoleStudent},
		{ID: "S2", Name: "Jane Smith", Role: RoleStudent},
		{ID: "S3", Name: "Sam Lee", Role: RoleStudent},
		{ID: "F1", Name: "Dr. Brown", Role: RoleFaculty},
		{ID: "L1", Name: "Admin", Role: RoleLibrarian},
	} {
		require.NoError(t, eng.AddMember(ctx, m))
	}
	for _, title := range []string{"Data Structures", "Operating Systems", "Compilers"} {
		_, err := eng.AddBook(ctx, BookInfo{Title: title})
		require.NoError(t, err)
	}
	return f
}

// snapshot captures an entry and a ledger for before/after comparisons.
func (f *fixture) snapshot(t *testing.T, bookID int64, memberID string) (*CatalogEntry, *Ledger) {
	t.Helper()
	entry, err := f.engine.Entry(bookID)
	require.NoError(t, err)
	ledger, err := f.engine.Ledger(memberID)
	if err != nil {
		return entry, nil
	}
	return entry, ledger
}
