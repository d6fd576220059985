package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"library-lending/config"
	"library-lending/lending"
)

// store is what the manager needs from a persistence collaborator.
type store interface {
	lending.Store
	io.Closer
}

// searcher is implemented by stores that can search the catalog themselves.
type searcher interface {
	SearchBooks(ctx context.Context, q string) ([]int64, error)
}

// LibraryManager is a thin façade over the lending engine and its store,
// keeping CLI code simple. It owns credentials and the default data.
type LibraryManager struct {
	engine     *lending.Engine
	store      store
	inbox      *Inbox
	bcryptCost int
	log        *slog.Logger
}

// NewLibraryManager opens the configured store, seeds it when empty, and
// builds the engine on top of it. Extra engine options (a clock in tests)
// are passed through.
func NewLibraryManager(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...lending.Option) (*LibraryManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	inbox := NewInbox(logger)
	engineOpts := append([]lending.Option{lending.WithLogger(logger), lending.WithNotifier(inbox)}, opts...)
	engine, err := lending.NewEngine(ctx, st, lending.Config{
		TimeUnit:          cfg.TimeUnit,
		ReservationWindow: cfg.ReservationWindowInUnits,
	}, engineOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load library: %w", err)
	}

	lm := &LibraryManager{
		engine:     engine,
		store:      st,
		inbox:      inbox,
		bcryptCost: cfg.BcryptCost,
		log:        logger,
	}
	if cfg.SeedDefaults {
		if err := lm.seedDefaults(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return lm, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store, error) {
	switch cfg.Driver {
	case config.StoreText:
		return OpenTextStore(cfg.DataDir, logger)
	default:
		return NewDatabase(cfg.DatabasePath, logger)
	}
}

// Close closes the underlying store.
func (lm *LibraryManager) Close() error { return lm.store.Close() }

// Engine exposes the lending engine for the scheduler.
func (lm *LibraryManager) Engine() *lending.Engine { return lm.engine }

// seedDefaults writes the default members and books into a store that has
// neither.
func (lm *LibraryManager) seedDefaults(ctx context.Context) error {
	if len(lm.engine.Members()) > 0 || len(lm.engine.Catalog()) > 0 {
		return nil
	}
	for _, s := range DefaultMembers {
		if err := lm.AddMember(ctx, s.Member, s.Password); err != nil {
			return fmt.Errorf("seed member %s: %w", s.ID, err)
		}
	}
	for _, info := range DefaultBooks {
		if _, err := lm.engine.AddBook(ctx, info); err != nil {
			return fmt.Errorf("seed book %q: %w", info.Title, err)
		}
	}
	lm.log.Info("Seeded default library data", "members", len(DefaultMembers), "books", len(DefaultBooks))
	return nil
}

// ------------------ Member helpers ------------------

// AddMember hashes password and registers m.
func (lm *LibraryManager) AddMember(ctx context.Context, m lending.Member, password string) error {
	hash, err := HashPassword(password, lm.bcryptCost)
	if err != nil {
		return err
	}
	m.ID = strings.TrimSpace(m.ID)
	m.PasswordHash = hash
	return lm.engine.AddMember(ctx, m)
}

func (lm *LibraryManager) GetMember(id string) (lending.Member, error) { return lm.engine.Member(id) }
func (lm *LibraryManager) GetAllMembers() []lending.Member            { return lm.engine.Members() }

func (lm *LibraryManager) RemoveMember(ctx context.Context, id string) error {
	return lm.engine.RemoveMember(ctx, id)
}

// UpdateMemberDetails changes a member's name and email; empty values keep
// the current ones.
func (lm *LibraryManager) UpdateMemberDetails(ctx context.Context, id, name, email string) error {
	m, err := lm.engine.Member(id)
	if err != nil {
		return err
	}
	if name != "" {
		m.Name = name
	}
	if email != "" {
		m.Email = email
	}
	return lm.engine.UpdateMember(ctx, m)
}

// AuthenticateMember returns the member when password matches.
func (lm *LibraryManager) AuthenticateMember(id, password string) (lending.Member, error) {
	m, err := lm.engine.Member(id)
	if err != nil {
		return lending.Member{}, ErrInvalidCredentials
	}
	if err := CheckPassword(password, m.PasswordHash); err != nil {
		lm.log.Debug("Authentication failed", "member", id)
		return lending.Member{}, ErrInvalidCredentials
	}
	return m, nil
}

// ChangePassword replaces the password after checking the old one.
func (lm *LibraryManager) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	m, err := lm.AuthenticateMember(id, oldPassword)
	if err != nil {
		return err
	}
	return lm.setPassword(ctx, m, newPassword)
}

// ResetMemberPassword replaces the password without the old one.
func (lm *LibraryManager) ResetMemberPassword(ctx context.Context, id, newPassword string) error {
	m, err := lm.engine.Member(id)
	if err != nil {
		return err
	}
	return lm.setPassword(ctx, m, newPassword)
}

func (lm *LibraryManager) setPassword(ctx context.Context, m lending.Member, password string) error {
	hash, err := HashPassword(password, lm.bcryptCost)
	if err != nil {
		return err
	}
	m.PasswordHash = hash
	if err := lm.engine.UpdateMember(ctx, m); err != nil {
		return err
	}
	lm.log.Info("Password changed", "member", m.ID)
	return nil
}

// ------------------ Book helpers ------------------

func (lm *LibraryManager) AddBook(ctx context.Context, info lending.BookInfo) (*lending.CatalogEntry, error) {
	if strings.TrimSpace(info.Title) == "" {
		return nil, errors.New("title cannot be empty")
	}
	return lm.engine.AddBook(ctx, info)
}

func (lm *LibraryManager) UpdateBook(ctx context.Context, id int64, info lending.BookInfo) error {
	return lm.engine.UpdateBook(ctx, id, info)
}

func (lm *LibraryManager) RemoveBook(ctx context.Context, id int64) error {
	return lm.engine.RemoveBook(ctx, id)
}

func (lm *LibraryManager) GetBook(id int64) (*lending.CatalogEntry, error) { return lm.engine.Entry(id) }
func (lm *LibraryManager) GetAllBooks() []*lending.CatalogEntry            { return lm.engine.Catalog() }

// GetAvailableBooks lists the books nobody holds.
func (lm *LibraryManager) GetAvailableBooks() []*lending.CatalogEntry {
	var out []*lending.CatalogEntry
	for _, e := range lm.engine.Catalog() {
		if e.IsAvailable() {
			out = append(out, e)
		}
	}
	return out
}

// ------------------ Search ------------------

// SearchBooks matches q against title, author and ISBN. The SQLite store
// answers with a query; otherwise the catalog is scanned in memory.
func (lm *LibraryManager) SearchBooks(ctx context.Context, q string) ([]*lending.CatalogEntry, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []*lending.CatalogEntry{}, nil
	}
	if s, ok := lm.store.(searcher); ok {
		ids, err := s.SearchBooks(ctx, q)
		if err != nil {
			return nil, err
		}
		out := make([]*lending.CatalogEntry, 0, len(ids))
		for _, id := range ids {
			if e, err := lm.engine.Entry(id); err == nil {
				out = append(out, e)
			}
		}
		return out, nil
	}

	needle := strings.ToLower(q)
	var out []*lending.CatalogEntry
	for _, e := range lm.engine.Catalog() {
		if strings.Contains(strings.ToLower(e.Title), needle) ||
			strings.Contains(strings.ToLower(e.Author), needle) ||
			strings.Contains(strings.ToLower(e.ISBN), needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ------------------ Circulation ------------------

func (lm *LibraryManager) BorrowBook(ctx context.Context, memberID string, bookID int64) error {
	return lm.engine.Borrow(ctx, memberID, bookID)
}

func (lm *LibraryManager) ReturnBook(ctx context.Context, memberID string, bookID int64) error {
	return lm.engine.Return(ctx, memberID, bookID)
}

func (lm *LibraryManager) ReserveBook(ctx context.Context, memberID string, bookID int64) error {
	return lm.engine.Reserve(ctx, memberID, bookID)
}

func (lm *LibraryManager) CancelReservation(ctx context.Context, memberID string, bookID int64) error {
	return lm.engine.CancelReservation(ctx, memberID, bookID)
}

// GetBorrowedBooks lists the books memberID currently holds.
func (lm *LibraryManager) GetBorrowedBooks(memberID string) ([]*lending.CatalogEntry, error) {
	l, err := lm.engine.Ledger(memberID)
	if err != nil {
		return nil, err
	}
	out := make([]*lending.CatalogEntry, 0, len(l.Borrowed))
	for _, id := range l.BorrowedBooks() {
		if e, err := lm.engine.Entry(id); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (lm *LibraryManager) GetMemberReservations(memberID string) []*lending.CatalogEntry {
	return lm.engine.ReservedBy(memberID)
}

// ReadyReservations lists the books waiting on the shelf for memberID.
func (lm *LibraryManager) ReadyReservations(memberID string) []*lending.CatalogEntry {
	var out []*lending.CatalogEntry
	for _, e := range lm.engine.ReservedBy(memberID) {
		head, ok, err := lm.engine.ReservationHead(e.ID)
		if err == nil && e.IsAvailable() && ok && head.MemberID == memberID && head.Notified {
			out = append(out, e)
		}
	}
	return out
}

// Notifications returns the reservation notifications delivered to memberID
// since the last call.
func (lm *LibraryManager) Notifications(memberID string) []lending.Notification {
	return lm.inbox.Drain(memberID)
}

func (lm *LibraryManager) QueuePosition(memberID string, bookID int64) (int, error) {
	return lm.engine.QueuePosition(memberID, bookID)
}

func (lm *LibraryManager) BorrowHistory(memberID string) ([]lending.BorrowEvent, error) {
	return lm.engine.BorrowHistory(memberID)
}

// ------------------ Fines ------------------

func (lm *LibraryManager) CurrentFine(memberID string) (decimal.Decimal, error) {
	return lm.engine.CurrentFine(memberID)
}

func (lm *LibraryManager) PayFine(ctx context.Context, memberID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return lm.engine.PayFine(ctx, memberID, amount)
}

// Refresh reloads the engine from the store, picking up what other
// processes sharing the database committed.
func (lm *LibraryManager) Refresh(ctx context.Context) error {
	return lm.engine.Refresh(ctx)
}

// SweepFines reloads and runs the fine sweep at the current instant.
func (lm *LibraryManager) SweepFines(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := lm.engine.Refresh(ctx); err != nil {
		return nil, err
	}
	return lm.engine.SweepFines(ctx, lm.engine.Now())
}

// SweepReservations reloads and runs the reservation sweep at the current
// instant.
func (lm *LibraryManager) SweepReservations(ctx context.Context) ([]lending.Expiry, error) {
	if err := lm.engine.Refresh(ctx); err != nil {
		return nil, err
	}
	return lm.engine.SweepReservations(ctx, lm.engine.Now())
}
