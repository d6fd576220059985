package lending

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the engine's time scale. The reference deployment compressed
// a day into ten seconds; production uses 24h.
type Config struct {
	TimeUnit time.Duration
	// ReservationWindow is how many time units a notified member has to
	// borrow before losing their place.
	ReservationWindow int
}

func DefaultConfig() Config {
	return Config{TimeUnit: 24 * time.Hour, ReservationWindow: 3}
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// Engine mediates every change to catalog entries and ledgers. All intents
// are serialized by one lock; each one either commits to memory and the
// store or leaves both untouched.
type Engine struct {
	mu       sync.RWMutex
	store    Store
	cfg      Config
	clock    Clock
	notifier Notifier
	log      *slog.Logger

	members map[string]Member
	entries map[int64]*CatalogEntry
	ledgers map[string]*Ledger
	// stale is set when the store reported a conflicting writer.
	stale bool
}

// NewEngine loads the store's contents. Individually malformed records are
// skipped with a warning; books and ledgers that disagree about who holds
// what fail the load. Loading never writes to the store.
func NewEngine(ctx context.Context, store Store, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.TimeUnit <= 0 {
		return nil, fmt.Errorf("time unit must be positive, got %s", cfg.TimeUnit)
	}
	if cfg.ReservationWindow < 0 {
		return nil, fmt.Errorf("reservation window must not be negative, got %d", cfg.ReservationWindow)
	}
	e := &Engine{
		store:   store,
		cfg:     cfg,
		clock:   SystemClock{},
		log:     slog.Default(),
		members: map[string]Member{},
		entries: map[int64]*CatalogEntry{},
		ledgers: map[string]*Ledger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Refresh reloads members, books and ledgers from the store. Long-running
// processes call it before acting on a store that other processes write.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reload(ctx)
}

func (e *Engine) reload(ctx context.Context) error {
	fresh := &Engine{
		store:   e.store,
		cfg:     e.cfg,
		clock:   e.clock,
		log:     e.log,
		members: map[string]Member{},
		entries: map[int64]*CatalogEntry{},
		ledgers: map[string]*Ledger{},
	}
	if err := fresh.load(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	e.members, e.entries, e.ledgers = fresh.members, fresh.entries, fresh.ledgers
	e.stale = false
	e.log.Debug("Engine state reloaded", "members", len(e.members), "books", len(e.entries))
	return nil
}

// syncIfStale reloads after a store conflict so the next intent is judged
// against what the other writer left behind. Callers hold the write lock.
func (e *Engine) syncIfStale(ctx context.Context) error {
	if !e.stale {
		return nil
	}
	return e.reload(ctx)
}

func (e *Engine) load(ctx context.Context) error {
	members, err := e.store.LoadMembers(ctx)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	for _, m := range members {
		if _, known := policies[m.Role]; !known || m.ID == "" {
			e.log.Warn("Skipping malformed member", "member", m.ID, "role", m.Role)
			continue
		}
		if _, dup := e.members[m.ID]; dup {
			e.log.Warn("Skipping duplicate member", "member", m.ID)
			continue
		}
		e.members[m.ID] = m
	}

	catalog, err := e.store.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	for i := range catalog {
		entry := catalog[i].Clone()
		if err := entry.Validate(); err != nil {
			e.log.Warn("Skipping malformed book", "book", entry.ID, "err", err)
			continue
		}
		if _, dup := e.entries[entry.ID]; dup {
			e.log.Warn("Skipping duplicate book", "book", entry.ID)
			continue
		}
		e.entries[entry.ID] = entry
	}

	ledgers, err := e.store.LoadLedgers(ctx)
	if err != nil {
		return fmt.Errorf("load ledgers: %w", err)
	}
	// Members whose stored ledger is unreadable get no ledger at all, so they
	// cannot borrow and nothing overwrites what the store holds for them.
	quarantined := map[string]struct{}{}
	for i := range ledgers {
		l := ledgers[i].Clone()
		if err := l.Validate(); err != nil {
			e.log.Warn("Skipping malformed ledger", "member", l.MemberID, "err", err)
			quarantined[l.MemberID] = struct{}{}
			continue
		}
		m, ok := e.members[l.MemberID]
		if !ok || !m.Role.HoldsLedger() {
			e.log.Warn("Skipping ledger without an eligible member", "member", l.MemberID)
			continue
		}
		e.ledgers[l.MemberID] = l
	}

	// A member without a stored ledger starts with an empty one. It reaches
	// the store with the member's first loan or payment.
	for _, m := range e.members {
		if _, ok := e.ledgers[m.ID]; ok || !m.Role.HoldsLedger() {
			continue
		}
		if _, bad := quarantined[m.ID]; bad {
			continue
		}
		e.ledgers[m.ID] = NewLedger(m.ID)
	}

	return e.checkHoldings(quarantined)
}

func (e *Engine) checkHoldings(quarantined map[string]struct{}) error {
	for id, entry := range e.entries {
		if entry.Status != StatusBorrowed {
			continue
		}
		if _, bad := quarantined[entry.Holder]; bad {
			e.log.Warn("Book held by a member with an unreadable ledger", "book", id, "member", entry.Holder)
			continue
		}
		l, ok := e.ledgers[entry.Holder]
		if !ok || !l.IsBorrowing(id) {
			return fmt.Errorf("book %d is held by %s but their ledger does not show it", id, entry.Holder)
		}
	}
	for memberID, l := range e.ledgers {
		for bookID := range l.Borrowed {
			entry, ok := e.entries[bookID]
			if !ok || entry.Holder != memberID {
				return fmt.Errorf("ledger %s shows book %d which the catalog does not lend to them", memberID, bookID)
			}
		}
	}
	return nil
}

func (e *Engine) Config() Config { return e.cfg }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

func (e *Engine) window() time.Duration {
	return time.Duration(e.cfg.ReservationWindow) * e.cfg.TimeUnit
}

func (e *Engine) reject(intent, memberID string, bookID int64, err error) error {
	e.log.Debug("Intent rejected", "intent", intent, "member", memberID, "book", bookID, "reason", err)
	return err
}

// persist writes entry and ledger through to the store; either may be nil.
// When the ledger save fails after the entry was saved, prev is written back.
// A conflict marks the engine stale.
func (e *Engine) persist(ctx context.Context, entry, prev *CatalogEntry, ledger *Ledger) error {
	if entry != nil {
		if err := e.store.SaveCatalogEntry(ctx, entry); err != nil {
			e.noteConflict(err)
			return fmt.Errorf("save book %d: %w", entry.ID, err)
		}
	}
	if ledger == nil {
		return nil
	}
	if err := e.store.SaveLedger(ctx, ledger); err != nil {
		e.noteConflict(err)
		if entry != nil && prev != nil {
			restore := prev.Clone()
			restore.Revision = entry.Revision
			if rerr := e.store.SaveCatalogEntry(ctx, restore); rerr != nil {
				e.noteConflict(rerr)
				e.log.Error("Failed to restore book after ledger save failure", "book", prev.ID, "err", rerr)
			} else {
				prev.Revision = restore.Revision
			}
		}
		return fmt.Errorf("save ledger %s: %w", ledger.MemberID, err)
	}
	return nil
}

func (e *Engine) noteConflict(err error) {
	if errors.Is(err, ErrConflict) {
		e.stale = true
		e.log.Warn("Store changed underneath the engine, reloading before the next intent", "err", err)
	}
}

func (e *Engine) notify(ctx context.Context, entry *CatalogEntry) {
	head, ok := entry.HeadReservation()
	if !ok || !head.Notified {
		return
	}
	n := Notification{
		MemberID:   head.MemberID,
		BookID:     entry.ID,
		Title:      entry.Title,
		NotifiedAt: head.NotifiedAt,
		ExpiresAt:  head.NotifiedAt.Add(e.window()),
	}
	if e.notifier == nil {
		e.log.Info("Reservation ready", "member", n.MemberID, "book", n.BookID, "expires_at", n.ExpiresAt)
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.Error("Failed to deliver reservation notification", "member", n.MemberID, "book", n.BookID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (e *Engine) IsAvailable(bookID int64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[bookID]
	if !ok {
		return false, ErrBookNotFound
	}
	return entry.IsAvailable(), nil
}

// ReservationHead returns the member entitled to borrow bookID next. A
// notified head whose window has passed no longer counts, even before a
// sweep removes it.
func (e *Engine) ReservationHead(bookID int64) (Reservation, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[bookID]
	if !ok {
		return Reservation{}, false, ErrBookNotFound
	}
	now := e.clock.Now()
	if entry.IsHeadExpired(now, e.window()) {
		entry = entry.Clone()
		entry.DropExpiredHeads(now, e.window())
	}
	head, ok := entry.HeadReservation()
	return head, ok, nil
}

func (e *Engine) BorrowHistory(memberID string) ([]BorrowEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.ledgers[memberID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return slices.Clone(l.History), nil
}

func (e *Engine) CurrentFine(memberID string) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.ledgers[memberID]
	if !ok {
		return decimal.Zero, ErrMemberNotFound
	}
	return l.FineBalance, nil
}

// Ledger returns a copy of the member's ledger.
func (e *Engine) Ledger(memberID string) (*Ledger, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.ledgers[memberID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return l.Clone(), nil
}

// Entry returns a copy of the book's catalog entry.
func (e *Engine) Entry(bookID int64) (*CatalogEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[bookID]
	if !ok {
		return nil, ErrBookNotFound
	}
	return entry.Clone(), nil
}

// Catalog returns copies of every entry ordered by id.
func (e *Engine) Catalog() []*CatalogEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*CatalogEntry, 0, len(e.entries))
	for _, id := range slices.Sorted(maps.Keys(e.entries)) {
		out = append(out, e.entries[id].Clone())
	}
	return out
}

func (e *Engine) Member(id string) (Member, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.members[id]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}

func (e *Engine) Members() []Member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := slices.Collect(maps.Values(e.members))
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ReservedBy lists the books memberID is queued for.
func (e *Engine) ReservedBy(memberID string) []*CatalogEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*CatalogEntry
	for _, id := range slices.Sorted(maps.Keys(e.entries)) {
		if entry := e.entries[id]; entry.HasReservation(memberID) {
			out = append(out, entry.Clone())
		}
	}
	return out
}

// QueuePosition is memberID's one-based place in bookID's queue.
func (e *Engine) QueuePosition(memberID string, bookID int64) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[bookID]
	if !ok {
		return 0, ErrBookNotFound
	}
	i := entry.Position(memberID)
	if i < 0 {
		return 0, ErrNoReservation
	}
	return i + 1, nil
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// AddMember registers m and opens a ledger when the role holds one.
func (e *Engine) AddMember(ctx context.Context, m Member) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	if m.ID == "" {
		return errors.New("member id is required")
	}
	if _, known := policies[m.Role]; !known {
		return fmt.Errorf("unknown role %q", m.Role)
	}
	if _, dup := e.members[m.ID]; dup {
		return ErrDuplicateID
	}
	if err := e.store.SaveMember(ctx, m); err != nil {
		return fmt.Errorf("save member %s: %w", m.ID, err)
	}
	if m.Role.HoldsLedger() {
		l := NewLedger(m.ID)
		if err := e.store.SaveLedger(ctx, l); err != nil {
			e.noteConflict(err)
			if derr := e.store.DeleteMember(ctx, m.ID); derr != nil {
				e.log.Error("Failed to roll back member", "member", m.ID, "err", derr)
			}
			return fmt.Errorf("open ledger for %s: %w", m.ID, err)
		}
		e.ledgers[m.ID] = l
	}
	e.members[m.ID] = m
	e.log.Info("Member added", "member", m.ID, "role", m.Role)
	return nil
}

// UpdateMember replaces a member's name, email and password hash. The role
// cannot change.
func (e *Engine) UpdateMember(ctx context.Context, m Member) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	cur, ok := e.members[m.ID]
	if !ok {
		return ErrMemberNotFound
	}
	cur.Name, cur.Email, cur.PasswordHash = m.Name, m.Email, m.PasswordHash
	if err := e.store.SaveMember(ctx, cur); err != nil {
		return fmt.Errorf("save member %s: %w", m.ID, err)
	}
	e.members[m.ID] = cur
	return nil
}

// RemoveMember deletes a member without open loans or fines. Their pending
// reservations are cancelled first.
func (e *Engine) RemoveMember(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	if _, ok := e.members[id]; !ok {
		return e.reject("remove-member", id, 0, ErrMemberNotFound)
	}
	l, hasLedger := e.ledgers[id]
	if hasLedger && len(l.Borrowed) > 0 {
		return e.reject("remove-member", id, 0, ErrOutstandingLoans)
	}
	if hasLedger && !l.FinePaid {
		return e.reject("remove-member", id, 0, ErrOutstandingFines)
	}

	now := e.clock.Now()
	for _, bookID := range slices.Sorted(maps.Keys(e.entries)) {
		entry := e.entries[bookID]
		if !entry.HasReservation(id) {
			continue
		}
		next := entry.Clone()
		next.CancelReservation(id)
		notified := next.NotifyHeadIfPending(now)
		if err := e.persist(ctx, next, nil, nil); err != nil {
			return err
		}
		e.entries[bookID] = next
		if notified {
			e.notify(ctx, next)
		}
	}

	if hasLedger {
		if err := e.store.DeleteLedger(ctx, id); err != nil {
			return fmt.Errorf("delete ledger %s: %w", id, err)
		}
		delete(e.ledgers, id)
	}
	if err := e.store.DeleteMember(ctx, id); err != nil {
		return fmt.Errorf("delete member %s: %w", id, err)
	}
	delete(e.members, id)
	e.log.Info("Member removed", "member", id)
	return nil
}

// AddBook creates an Available entry with the next free id.
func (e *Engine) AddBook(ctx context.Context, info BookInfo) (*CatalogEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return nil, err
	}

	var id int64 = 1
	if len(e.entries) > 0 {
		id = slices.Max(slices.Collect(maps.Keys(e.entries))) + 1
	}
	entry := NewCatalogEntry(id, info)
	if err := e.persist(ctx, entry, nil, nil); err != nil {
		return nil, err
	}
	e.entries[id] = entry
	e.log.Info("Book added", "book", id, "title", info.Title)
	return entry.Clone(), nil
}

func (e *Engine) UpdateBook(ctx context.Context, id int64, info BookInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	entry, ok := e.entries[id]
	if !ok {
		return ErrBookNotFound
	}
	next := entry.Clone()
	next.BookInfo = info
	if err := e.persist(ctx, next, nil, nil); err != nil {
		return err
	}
	e.entries[id] = next
	return nil
}

// RemoveBook deletes an Available book.
func (e *Engine) RemoveBook(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	entry, ok := e.entries[id]
	if !ok {
		return e.reject("remove-book", "", id, ErrBookNotFound)
	}
	if !entry.IsAvailable() {
		return e.reject("remove-book", entry.Holder, id, ErrBookBorrowed)
	}
	if err := e.store.DeleteCatalogEntry(ctx, id); err != nil {
		return fmt.Errorf("delete book %d: %w", id, err)
	}
	delete(e.entries, id)
	e.log.Info("Book removed", "book", id)
	return nil
}
