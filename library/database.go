package library

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"library-lending/lending"
)

// Database is the SQLite persistence collaborator of the lending engine.
type Database struct {
	db  *sql.DB
	log *slog.Logger

	saveMemberStmt   *sql.Stmt
	deleteMemberStmt *sql.Stmt
}

var _ lending.Store = (*Database)(nil)

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Enable busy_timeout and foreign keys.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db, log: logger}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Database opened", "path", dbPath)
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.saveMemberStmt != nil {
		d.saveMemberStmt.Close()
	}
	if d.deleteMemberStmt != nil {
		d.deleteMemberStmt.Close()
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 4

// migrations move the schema forward one version at a time.
var migrations = []struct {
	version int
	stmts   []string
}{
	{3, []string{
		`CREATE TABLE IF NOT EXISTS members (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL DEFAULT '',
            role TEXT NOT NULL,
            password_hash TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL DEFAULT '',
            publisher TEXT NOT NULL DEFAULT '',
            year INTEGER NOT NULL DEFAULT 0,
            isbn TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'Available',
            holder_id TEXT REFERENCES members(id)
        );`,
		`CREATE TABLE IF NOT EXISTS reservations (
            book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            position INTEGER NOT NULL,
            created_at TEXT NOT NULL,
            notified_at TEXT,
            notified BOOLEAN NOT NULL DEFAULT 0,
            PRIMARY KEY (book_id, member_id)
        );`,
		`CREATE TABLE IF NOT EXISTS ledgers (
            member_id TEXT PRIMARY KEY REFERENCES members(id) ON DELETE CASCADE,
            fine_balance TEXT NOT NULL DEFAULT '0',
            fine_paid BOOLEAN NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            id TEXT PRIMARY KEY,
            member_id TEXT NOT NULL REFERENCES ledgers(member_id) ON DELETE CASCADE,
            seq INTEGER NOT NULL,
            book_id INTEGER NOT NULL,
            borrowed_at TEXT NOT NULL,
            due_at TEXT NOT NULL,
            returned BOOLEAN NOT NULL DEFAULT 0,
            returned_at TEXT,
            fine_assessed TEXT NOT NULL DEFAULT '0'
        );`,
		`CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id, seq);`,
	}},
	// Revisions let several processes share one file: a save only applies
	// on top of the revision it was loaded at.
	{4, []string{
		`ALTER TABLE books ADD COLUMN revision INTEGER NOT NULL DEFAULT 1;`,
		`ALTER TABLE ledgers ADD COLUMN revision INTEGER NOT NULL DEFAULT 1;`,
	}},
}

func applyMigrations(db *sql.DB) error {
	return migrateTo(db, schemaVersion)
}

func migrateTo(db *sql.DB, target int) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= target {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, target); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.saveMemberStmt, err = d.db.Prepare(`INSERT INTO members(id,name,email,role,password_hash) VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role, password_hash=excluded.password_hash`); err != nil {
		return err
	}
	if d.deleteMemberStmt, err = d.db.Prepare(`DELETE FROM members WHERE id=?`); err != nil {
		return err
	}
	return nil
}

// Times are stored as RFC 3339 text; the zero time is stored as NULL.
func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

func (d *Database) SaveMember(ctx context.Context, m lending.Member) error {
	_, err := d.saveMemberStmt.ExecContext(ctx, m.ID, m.Name, m.Email, string(m.Role), m.PasswordHash)
	return err
}

func (d *Database) DeleteMember(ctx context.Context, id string) error {
	_, err := d.deleteMemberStmt.ExecContext(ctx, id)
	return err
}

func (d *Database) LoadMembers(ctx context.Context) ([]lending.Member, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id,name,email,role,password_hash FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []lending.Member
	for rows.Next() {
		var (
			m    lending.Member
			role string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &role, &m.PasswordHash); err != nil {
			return nil, err
		}
		m.Role = lending.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// SaveCatalogEntry writes the book row and replaces its reservation queue in
// one transaction. The write only applies on top of e.Revision; when another
// process saved or deleted the book since, lending.ErrConflict is returned.
// e.Revision is advanced on success.
func (d *Database) SaveCatalogEntry(ctx context.Context, e *lending.CatalogEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	holder := sql.NullString{String: e.Holder, Valid: e.Holder != ""}
	res, err := tx.ExecContext(ctx, `UPDATE books SET title=?, author=?, publisher=?, year=?, isbn=?, status=?, holder_id=?,
            revision=revision+1
        WHERE id=? AND revision=?`,
		e.Title, e.Author, e.Publisher, e.Year, e.ISBN, string(e.Status), holder, e.ID, e.Revision)
	if err != nil {
		return err
	}
	inserted, err := insertIfAbsent(ctx, tx, res, e.Revision, `SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, e.ID)
	if err != nil {
		return fmt.Errorf("book %d: %w", e.ID, err)
	}
	if inserted {
		if _, err := tx.ExecContext(ctx, `INSERT INTO books(id,title,author,publisher,year,isbn,status,holder_id,revision) VALUES(?,?,?,?,?,?,?,?,?)`,
			e.ID, e.Title, e.Author, e.Publisher, e.Year, e.ISBN, string(e.Status), holder, e.Revision+1); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE book_id=?`, e.ID); err != nil {
		return err
	}
	for i, r := range e.Queue {
		if _, err := tx.ExecContext(ctx, `INSERT INTO reservations(book_id,member_id,position,created_at,notified_at,notified) VALUES(?,?,?,?,?,?)`,
			e.ID, r.MemberID, i, formatTime(r.CreatedAt), formatTime(r.NotifiedAt), r.Notified); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Revision++
	return nil
}

// insertIfAbsent inspects a revision-guarded UPDATE. It reports whether the
// row has yet to be created, or a conflict when the row moved on or was
// deleted after being loaded.
func insertIfAbsent(ctx context.Context, tx *sql.Tx, res sql.Result, revision int64, existsQuery string, key any) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, existsQuery, key).Scan(&exists); err != nil {
		return false, err
	}
	if exists || revision > 0 {
		return false, lending.ErrConflict
	}
	return true, nil
}

func (d *Database) DeleteCatalogEntry(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM books WHERE id=?`, id)
	return err
}

func (d *Database) LoadCatalog(ctx context.Context) ([]lending.CatalogEntry, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id,title,author,publisher,year,isbn,status,COALESCE(holder_id,''),revision FROM books ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		entries []lending.CatalogEntry
		index   = map[int64]int{}
	)
	for rows.Next() {
		var (
			e      lending.CatalogEntry
			status string
		)
		if err := rows.Scan(&e.ID, &e.Title, &e.Author, &e.Publisher, &e.Year, &e.ISBN, &status, &e.Holder, &e.Revision); err != nil {
			return nil, err
		}
		e.Status = lending.BookStatus(status)
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	qrows, err := d.db.QueryContext(ctx, `SELECT book_id,member_id,created_at,notified_at,notified FROM reservations ORDER BY book_id, position`)
	if err != nil {
		return nil, err
	}
	defer qrows.Close()
	for qrows.Next() {
		var (
			bookID            int64
			r                 lending.Reservation
			created, notified sql.NullString
		)
		if err := qrows.Scan(&bookID, &r.MemberID, &created, &notified, &r.Notified); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			d.log.Warn("Skipping reservation with bad timestamp", "book", bookID, "member", r.MemberID, "err", err)
			continue
		}
		if r.NotifiedAt, err = parseTime(notified); err != nil {
			d.log.Warn("Skipping reservation with bad timestamp", "book", bookID, "member", r.MemberID, "err", err)
			continue
		}
		if i, ok := index[bookID]; ok {
			entries[i].Queue = append(entries[i].Queue, r)
		}
	}
	return entries, qrows.Err()
}

// SearchBooks returns the ids of books whose title, author or ISBN contains q.
func (d *Database) SearchBooks(ctx context.Context, q string) ([]int64, error) {
	if strings.TrimSpace(q) == "" {
		return []int64{}, nil
	}
	pattern := "%" + strings.TrimSpace(q) + "%"
	rows, err := d.db.QueryContext(ctx, `
        SELECT id FROM books
        WHERE title LIKE ? OR author LIKE ? OR isbn LIKE ?
        ORDER BY id;`, pattern, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Ledgers
// ---------------------------------------------------------------------------

// SaveLedger writes the balance and upserts every history entry. History is
// append-only, so rows are never deleted here. Like SaveCatalogEntry it only
// applies on top of l.Revision and advances it on success.
func (d *Database) SaveLedger(ctx context.Context, l *lending.Ledger) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE ledgers SET fine_balance=?, fine_paid=?, revision=revision+1
        WHERE member_id=? AND revision=?`,
		l.FineBalance.String(), l.FinePaid, l.MemberID, l.Revision)
	if err != nil {
		return err
	}
	inserted, err := insertIfAbsent(ctx, tx, res, l.Revision, `SELECT EXISTS(SELECT 1 FROM ledgers WHERE member_id=?)`, l.MemberID)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", l.MemberID, err)
	}
	if inserted {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledgers(member_id,fine_balance,fine_paid,revision) VALUES(?,?,?,?)`,
			l.MemberID, l.FineBalance.String(), l.FinePaid, l.Revision+1); err != nil {
			return err
		}
	}
	for i, ev := range l.History {
		if _, err := tx.ExecContext(ctx, `INSERT INTO loans(id,member_id,seq,book_id,borrowed_at,due_at,returned,returned_at,fine_assessed)
            VALUES(?,?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET returned=excluded.returned, returned_at=excluded.returned_at, fine_assessed=excluded.fine_assessed`,
			ev.ID.String(), l.MemberID, i, ev.BookID, formatTime(ev.BorrowedAt), formatTime(ev.DueAt),
			ev.Returned, formatTime(ev.ReturnedAt), ev.FineAssessed.String()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.Revision++
	return nil
}

func (d *Database) DeleteLedger(ctx context.Context, memberID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM ledgers WHERE member_id=?`, memberID)
	return err
}

// LoadLedgers rebuilds each ledger's borrowed set from its open loans. An
// unreadable loan row is left out of its ledger and stays in the table.
func (d *Database) LoadLedgers(ctx context.Context) ([]lending.Ledger, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT member_id,fine_balance,fine_paid,revision FROM ledgers ORDER BY member_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		ledgers []lending.Ledger
		index   = map[string]int{}
	)
	for rows.Next() {
		var (
			l       lending.Ledger
			balance string
		)
		if err := rows.Scan(&l.MemberID, &balance, &l.FinePaid, &l.Revision); err != nil {
			return nil, err
		}
		if l.FineBalance, err = decimal.NewFromString(balance); err != nil {
			d.log.Warn("Skipping ledger with bad balance", "member", l.MemberID, "err", err)
			continue
		}
		l.Borrowed = map[int64]struct{}{}
		index[l.MemberID] = len(ledgers)
		ledgers = append(ledgers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lrows, err := d.db.QueryContext(ctx, `SELECT id,member_id,book_id,borrowed_at,due_at,returned,returned_at,fine_assessed FROM loans ORDER BY member_id, seq`)
	if err != nil {
		return nil, err
	}
	defer lrows.Close()
	for lrows.Next() {
		var (
			id, memberID, fine      string
			borrowed, due, returned sql.NullString
			ev                      lending.BorrowEvent
		)
		if err := lrows.Scan(&id, &memberID, &ev.BookID, &borrowed, &due, &ev.Returned, &returned, &fine); err != nil {
			return nil, err
		}
		i, ok := index[memberID]
		if !ok {
			continue
		}
		if err := decodeLoan(&ev, id, borrowed, due, returned, fine); err != nil {
			d.log.Warn("Skipping unreadable loan", "member", memberID, "loan", id, "err", err)
			continue
		}
		ledgers[i].History = append(ledgers[i].History, ev)
		if !ev.Returned {
			ledgers[i].Borrowed[ev.BookID] = struct{}{}
		}
	}
	return ledgers, lrows.Err()
}

func decodeLoan(ev *lending.BorrowEvent, id string, borrowed, due, returned sql.NullString, fine string) error {
	var err error
	if ev.ID, err = uuid.Parse(id); err != nil {
		return err
	}
	if ev.BorrowedAt, err = parseTime(borrowed); err != nil {
		return err
	}
	if ev.DueAt, err = parseTime(due); err != nil {
		return err
	}
	if ev.ReturnedAt, err = parseTime(returned); err != nil {
		return err
	}
	ev.FineAssessed, err = decimal.NewFromString(fine)
	return err
}
