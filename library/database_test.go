package library

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/lending"
)

var (
	epoch   = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func tempDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"), discard)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// seedRecords writes two students, a borrowed book with a queue, and the
// holder's ledger.
func seedRecords(t *testing.T, s lending.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveMember(ctx, lending.Member{ID: "S1", Name: "Alice", Email: "a@x.org", Role: lending.RoleStudent, PasswordHash: "h1"}))
	require.NoError(t, s.SaveMember(ctx, lending.Member{ID: "S2", Name: "Bob", Role: lending.RoleStudent}))
	require.NoError(t, s.SaveMember(ctx, lending.Member{ID: "S3", Name: "Carol", Role: lending.RoleStudent}))

	e := lending.NewCatalogEntry(1, lending.BookInfo{
		Title: "Data Structures", Author: "Robert Sedgewick", Publisher: "Pearson", Year: 2011, ISBN: "978-0321573513",
	})
	require.NoError(t, e.MarkBorrowed("S1"))
	require.NoError(t, e.Reserve("S2", epoch))
	require.NoError(t, e.Reserve("S3", epoch.Add(time.Minute)))
	require.NoError(t, s.SaveCatalogEntry(ctx, e))
	require.NoError(t, s.SaveCatalogEntry(ctx, lending.NewCatalogEntry(2, lending.BookInfo{Title: "Operating Systems", Author: "Abraham Silberschatz"})))

	l := lending.NewLedger("S1")
	require.NoError(t, l.RecordBorrow(2, epoch.Add(-time.Hour), epoch))
	require.NoError(t, l.RecordReturn(2, epoch.Add(-time.Minute)))
	require.NoError(t, l.RecordBorrow(1, epoch, epoch.Add(15*time.Hour)))
	l.AssessFine(decimal.NewFromInt(30))
	require.NoError(t, s.SaveLedger(ctx, l))
	require.NoError(t, s.SaveLedger(ctx, lending.NewLedger("S2")))
}

func assertSeededRecords(t *testing.T, s lending.Store) {
	t.Helper()
	ctx := context.Background()

	members, err := s.LoadMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, lending.Member{ID: "S1", Name: "Alice", Email: "a@x.org", Role: lending.RoleStudent, PasswordHash: "h1"}, members[0])

	catalog, err := s.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, catalog, 2)
	book := catalog[0]
	assert.Equal(t, int64(1), book.ID)
	assert.Equal(t, "Pearson", book.Publisher)
	assert.Equal(t, 2011, book.Year)
	assert.Equal(t, lending.StatusBorrowed, book.Status)
	assert.Equal(t, "S1", book.Holder)
	require.Len(t, book.Queue, 2)
	assert.Equal(t, "S2", book.Queue[0].MemberID)
	assert.Equal(t, "S3", book.Queue[1].MemberID)
	assert.True(t, book.Queue[1].CreatedAt.Equal(epoch.Add(time.Minute)))
	assert.True(t, book.Queue[0].NotifiedAt.IsZero())
	assert.NoError(t, book.Validate())
	assert.Equal(t, lending.StatusAvailable, catalog[1].Status)
	assert.Empty(t, catalog[1].Queue)

	ledgers, err := s.LoadLedgers(ctx)
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	l := ledgers[0]
	assert.Equal(t, "S1", l.MemberID)
	assert.Equal(t, []int64{1}, l.BorrowedBooks())
	require.Len(t, l.History, 2)
	assert.Equal(t, int64(2), l.History[0].BookID)
	assert.True(t, l.History[0].Returned)
	assert.True(t, l.History[0].ReturnedAt.Equal(epoch.Add(-time.Minute)))
	assert.False(t, l.History[1].Returned)
	assert.True(t, l.History[1].DueAt.Equal(epoch.Add(15*time.Hour)))
	assert.True(t, decimal.NewFromInt(30).Equal(l.FineBalance))
	assert.False(t, l.FinePaid)
	assert.NoError(t, l.Validate())
}

func TestDatabaseRoundTrip(t *testing.T) {
	db := tempDB(t)
	seedRecords(t, db)
	assertSeededRecords(t, db)
}

func TestDatabaseSaveReplacesQueueAndUpdatesLoans(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	seedRecords(t, db)

	catalog, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	e := &catalog[0]
	notified, err := e.MarkReturned(epoch.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, notified)
	require.True(t, e.CancelReservation("S3"))
	require.NoError(t, db.SaveCatalogEntry(ctx, e))

	ledgers, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	l := &ledgers[0]
	require.NoError(t, l.RecordReturn(1, epoch.Add(time.Hour)))
	require.NoError(t, db.SaveLedger(ctx, l))

	catalog, err = db.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, catalog[0].Queue, 1)
	assert.True(t, catalog[0].Queue[0].Notified)
	assert.True(t, catalog[0].Queue[0].NotifiedAt.Equal(epoch.Add(time.Hour)))
	assert.Empty(t, catalog[0].Holder)

	ledgers, err = db.LoadLedgers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ledgers[0].BorrowedBooks())
	assert.Len(t, ledgers[0].History, 2)
}

func TestDatabaseDeletes(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	seedRecords(t, db)

	// Reservations go with their book.
	require.NoError(t, db.DeleteCatalogEntry(ctx, 2))
	require.NoError(t, db.DeleteLedger(ctx, "S2"))
	require.NoError(t, db.DeleteMember(ctx, "S2"))

	catalog, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	// Removing S2 drops their place in the queue.
	require.Len(t, catalog[0].Queue, 1)
	assert.Equal(t, "S3", catalog[0].Queue[0].MemberID)

	ledgers, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	assert.Equal(t, "S1", ledgers[0].MemberID)
}

func TestDatabaseSearchBooks(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	seedRecords(t, db)

	for q, want := range map[string][]int64{
		"sedgewick": {1},
		"Systems":   {2},
		"978-03215": {1},
		"o":         {1, 2},
		"nothing":   nil,
		"  ":        {},
	} {
		got, err := db.SearchBooks(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, want, got, q)
	}
}

func TestDatabaseReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib.db")
	db, err := NewDatabase(path, discard)
	require.NoError(t, err)
	seedRecords(t, db)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path, discard)
	require.NoError(t, err)
	defer db.Close()
	assertSeededRecords(t, db)
}

// TestEngineOverDatabase drives the engine against SQLite and reloads it from
// disk to make sure every committed intent was written through.
func TestEngineOverDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lib.db")
	db, err := NewDatabase(path, discard)
	require.NoError(t, err)
	clock := lending.NewManualClock(epoch)
	cfg := lending.Config{TimeUnit: 10 * time.Second, ReservationWindow: 3}

	eng, err := lending.NewEngine(ctx, db, cfg, lending.WithClock(clock), lending.WithLogger(discard))
	require.NoError(t, err)
	require.NoError(t, eng.AddMember(ctx, lending.Member{ID: "S1", Name: "Alice", Role: lending.RoleStudent}))
	require.NoError(t, eng.AddMember(ctx, lending.Member{ID: "S2", Name: "Bob", Role: lending.RoleStudent}))
	book, err := eng.AddBook(ctx, lending.BookInfo{Title: "Compilers"})
	require.NoError(t, err)

	require.NoError(t, eng.Borrow(ctx, "S1", book.ID))
	require.NoError(t, eng.Reserve(ctx, "S2", book.ID))
	clock.Set(epoch.Add(20 * 10 * time.Second))
	require.NoError(t, eng.Return(ctx, "S1", book.ID))
	_, err = eng.SweepFines(ctx, clock.Now())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path, discard)
	require.NoError(t, err)
	defer db.Close()
	reloaded, err := lending.NewEngine(ctx, db, cfg, lending.WithClock(clock), lending.WithLogger(discard))
	require.NoError(t, err)

	head, ok, err := reloaded.ReservationHead(book.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "S2", head.MemberID)
	assert.True(t, head.Notified)

	history, err := reloaded.BorrowHistory("S1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Returned)

	// Returned before the sweep, so no fine was assessed on it.
	fine, err := reloaded.CurrentFine("S1")
	require.NoError(t, err)
	assert.True(t, fine.IsZero())

	err = reloaded.Borrow(ctx, "S1", book.ID)
	assert.ErrorIs(t, err, lending.ErrReservedForOther)
}

func TestDatabaseConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	seedRecords(t, db)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := lending.NewCatalogEntry(int64(100+i), lending.BookInfo{Title: "Copy"})
			errs <- db.SaveCatalogEntry(ctx, e)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	catalog, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, catalog, 22)
}

func TestDatabaseRejectsStaleWrites(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	seedRecords(t, db)

	// Two processes load the same book; the second save loses.
	first, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	second, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	require.True(t, first[0].CancelReservation("S3"))
	require.NoError(t, db.SaveCatalogEntry(ctx, &first[0]))
	require.True(t, second[0].CancelReservation("S2"))
	err = db.SaveCatalogEntry(ctx, &second[0])
	require.ErrorIs(t, err, lending.ErrConflict)

	catalog, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, catalog[0].Queue, 1)
	assert.Equal(t, "S2", catalog[0].Queue[0].MemberID)
	assert.Equal(t, first[0].Revision, catalog[0].Revision)
	require.NoError(t, db.SaveCatalogEntry(ctx, &first[0]), "the winner keeps writing")

	// A book deleted elsewhere is not brought back by a stale copy.
	require.NoError(t, db.DeleteCatalogEntry(ctx, 2))
	assert.ErrorIs(t, db.SaveCatalogEntry(ctx, &second[1]), lending.ErrConflict)

	ledgersA, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	ledgersB, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	ledgersA[0].AssessFine(decimal.NewFromInt(10))
	require.NoError(t, db.SaveLedger(ctx, &ledgersA[0]))
	ledgersB[0].AssessFine(decimal.NewFromInt(-30))
	require.ErrorIs(t, db.SaveLedger(ctx, &ledgersB[0]), lending.ErrConflict)

	ledgers, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(ledgers[0].FineBalance))
}

func TestDatabaseUpgradesVersion3File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lib.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, migrateTo(raw, 3))
	_, err = raw.Exec(`INSERT INTO members(id,name,role) VALUES('S1','Alice','Student')`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO books(id,title) VALUES(1,'Compilers')`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO ledgers(member_id) VALUES('S1')`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := NewDatabase(path, discard)
	require.NoError(t, err)
	defer db.Close()

	catalog, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	assert.Equal(t, int64(1), catalog[0].Revision)
	require.NoError(t, catalog[0].MarkBorrowed("S1"))
	require.NoError(t, db.SaveCatalogEntry(ctx, &catalog[0]))
	assert.Equal(t, int64(2), catalog[0].Revision)

	ledgers, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	require.NoError(t, ledgers[0].RecordBorrow(1, epoch, epoch.Add(time.Hour)))
	require.NoError(t, db.SaveLedger(ctx, &ledgers[0]))

	eng, err := lending.NewEngine(ctx, db, lending.Config{TimeUnit: time.Minute, ReservationWindow: 3}, lending.WithLogger(discard))
	require.NoError(t, err)
	entry, err := eng.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, "S1", entry.Holder)
}

func TestDatabaseKeepsHistoryNextToUnreadableLoan(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	seedRecords(t, db)
	_, err := db.db.Exec(`INSERT INTO loans(id,member_id,seq,book_id,borrowed_at,due_at,fine_assessed)
        VALUES('not-a-uuid','S1',9,2,'2025-03-01T09:00:00Z','2025-03-02T09:00:00Z','0')`)
	require.NoError(t, err)

	ledgers, err := db.LoadLedgers(ctx)
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	assert.Equal(t, "S1", ledgers[0].MemberID)
	assert.Len(t, ledgers[0].History, 2)
	assert.Equal(t, []int64{1}, ledgers[0].BorrowedBooks())

	// Saving the ledger leaves the unreadable row for an operator to repair.
	require.NoError(t, db.SaveLedger(ctx, &ledgers[0]))
	var n int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM loans WHERE member_id='S1'`).Scan(&n))
	assert.Equal(t, 3, n)
}
