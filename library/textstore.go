package library

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"library-lending/lending"
)

// Record files of the text store. One record per line, fields separated by '|'.
const (
	usersFile        = "users.txt"
	booksFile        = "books.txt"
	reservationsFile = "reservations.txt"
	accountsFile     = "accounts.txt"
	loansFile        = "loans.txt"
)

// TextStore persists the lending state as pipe-delimited text files in a
// directory. Every save rewrites the affected files. It serves one process at
// a time; use Database when several processes share the data.
type TextStore struct {
	dir string
	log *slog.Logger
	// createTemp is os.CreateTemp outside of tests.
	createTemp func(dir, pattern string) (*os.File, error)

	mu      sync.Mutex
	members map[string]lending.Member
	entries map[int64]*lending.CatalogEntry
	ledgers map[string]*lending.Ledger
	// kept holds account and loan lines that could not be read. They are
	// written back untouched so no history is lost to one bad line.
	kept map[string][]string
}

var _ lending.Store = (*TextStore)(nil)

// OpenTextStore reads any existing record files under dir.
func OpenTextStore(dir string, logger *slog.Logger) (*TextStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &TextStore{
		dir:        dir,
		log:        logger,
		createTemp: os.CreateTemp,
		members:    map[string]lending.Member{},
		entries:    map[int64]*lending.CatalogEntry{},
		ledgers:    map[string]*lending.Ledger{},
		kept:       map[string][]string{},
	}
	if err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; every save is already on disk.
func (s *TextStore) Close() error { return nil }

func (s *TextStore) LoadMembers(context.Context) ([]lending.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.SortedFunc(maps.Values(s.members), func(a, b lending.Member) int {
		return cmp.Compare(a.ID, b.ID)
	}), nil
}

func (s *TextStore) LoadCatalog(context.Context) ([]lending.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lending.CatalogEntry, 0, len(s.entries))
	for _, id := range slices.Sorted(maps.Keys(s.entries)) {
		out = append(out, *s.entries[id].Clone())
	}
	return out, nil
}

func (s *TextStore) LoadLedgers(context.Context) ([]lending.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lending.Ledger, 0, len(s.ledgers))
	for _, id := range slices.Sorted(maps.Keys(s.ledgers)) {
		out = append(out, *s.ledgers[id].Clone())
	}
	return out, nil
}

func (s *TextStore) SaveMember(_ context.Context, m lending.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.members[m.ID]
	s.members[m.ID] = m
	if err := s.writeMembers(); err != nil {
		if had {
			s.members[m.ID] = prev
		} else {
			delete(s.members, m.ID)
		}
		return err
	}
	return nil
}

func (s *TextStore) DeleteMember(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.members[id]
	if !had {
		return nil
	}
	delete(s.members, id)
	if err := s.writeMembers(); err != nil {
		s.members[id] = prev
		return err
	}
	return nil
}

func (s *TextStore) SaveCatalogEntry(_ context.Context, e *lending.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.entries[e.ID]
	s.entries[e.ID] = e.Clone()
	if err := s.writeCatalog(); err != nil {
		s.restoreEntry(e.ID, prev)
		return err
	}
	return nil
}

func (s *TextStore) DeleteCatalogEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[id]
	if !had {
		return nil
	}
	delete(s.entries, id)
	if err := s.writeCatalog(); err != nil {
		s.entries[id] = prev
		return err
	}
	return nil
}

func (s *TextStore) restoreEntry(id int64, prev *lending.CatalogEntry) {
	if prev == nil {
		delete(s.entries, id)
		return
	}
	s.entries[id] = prev
}

func (s *TextStore) SaveLedger(_ context.Context, l *lending.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.ledgers[l.MemberID]
	s.ledgers[l.MemberID] = l.Clone()
	if err := s.writeLedgers(); err != nil {
		if prev == nil {
			delete(s.ledgers, l.MemberID)
		} else {
			s.ledgers[l.MemberID] = prev
		}
		return err
	}
	return nil
}

func (s *TextStore) DeleteLedger(_ context.Context, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.ledgers[memberID]
	if !had {
		return nil
	}
	delete(s.ledgers, memberID)
	if err := s.writeLedgers(); err != nil {
		s.ledgers[memberID] = prev
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// recordFile is one file's worth of rows, plus unreadable lines to carry over.
type recordFile struct {
	name string
	rows [][]string
	kept []string
}

func (s *TextStore) writeMembers() error {
	rows := make([][]string, 0, len(s.members))
	for _, id := range slices.Sorted(maps.Keys(s.members)) {
		m := s.members[id]
		rows = append(rows, []string{m.ID, m.Name, m.Email, string(m.Role), m.PasswordHash})
	}
	return s.writeFiles(recordFile{name: usersFile, rows: rows})
}

// writeCatalog rewrites books and reservations together; reservations only
// make sense next to the book rows they belong to.
func (s *TextStore) writeCatalog() error {
	var books, queue [][]string
	for _, id := range slices.Sorted(maps.Keys(s.entries)) {
		e := s.entries[id]
		books = append(books, []string{
			strconv.FormatInt(e.ID, 10), e.Title, e.Author, e.Publisher,
			strconv.Itoa(e.Year), e.ISBN, string(e.Status), e.Holder,
		})
		for _, r := range e.Queue {
			queue = append(queue, []string{
				strconv.FormatInt(e.ID, 10), r.MemberID,
				formatTime(r.CreatedAt).String, formatTime(r.NotifiedAt).String,
				strconv.FormatBool(r.Notified),
			})
		}
	}
	return s.writeFiles(
		recordFile{name: booksFile, rows: books},
		recordFile{name: reservationsFile, rows: queue},
	)
}

func (s *TextStore) writeLedgers() error {
	var accounts, loans [][]string
	for _, id := range slices.Sorted(maps.Keys(s.ledgers)) {
		l := s.ledgers[id]
		accounts = append(accounts, []string{l.MemberID, l.FineBalance.String(), strconv.FormatBool(l.FinePaid)})
		for _, ev := range l.History {
			loans = append(loans, []string{
				ev.ID.String(), l.MemberID, strconv.FormatInt(ev.BookID, 10),
				formatTime(ev.BorrowedAt).String, formatTime(ev.DueAt).String,
				strconv.FormatBool(ev.Returned), formatTime(ev.ReturnedAt).String,
				ev.FineAssessed.String(),
			})
		}
	}
	return s.writeFiles(
		recordFile{name: accountsFile, rows: accounts, kept: s.kept[accountsFile]},
		recordFile{name: loansFile, rows: loans, kept: s.kept[loansFile]},
	)
}

// writeFiles replaces every given file. All of them are staged as temp files
// in the same directory before the first rename, so a failed write leaves
// the previous set in place.
func (s *TextStore) writeFiles(files ...recordFile) error {
	staged := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}()
	for _, f := range files {
		tmp, err := s.stage(f)
		if err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
		staged = append(staged, tmp)
	}
	for i, f := range files {
		if err := os.Rename(staged[i], filepath.Join(s.dir, f.name)); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// One record per line: newlines inside fields are flattened to spaces.
var flattenLines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func (s *TextStore) stage(f recordFile) (string, error) {
	tmp, err := s.createTemp(s.dir, f.name+".*.tmp")
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(tmp)
	w.Comma = '|'
	for _, row := range f.rows {
		for i := range row {
			row[i] = flattenLines.Replace(row[i])
		}
	}
	err = w.WriteAll(f.rows)
	for _, line := range f.kept {
		if err != nil {
			break
		}
		_, err = io.WriteString(tmp, line+"\n")
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// textRecord is one parsed line.
type textRecord struct {
	line   string
	fields []string
}

// readFile parses name line by line, so a stray quote or a short line only
// costs that line. Lines without the expected number of fields are logged
// and returned separately.
func (s *TextStore) readFile(name string, fields int) (records []textRecord, unreadable []string, err error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", name, err)
	}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err == nil && len(rec) != fields {
			err = fmt.Errorf("%d fields, want %d", len(rec), fields)
		}
		if err != nil {
			s.log.Warn("Skipping malformed record", "file", name, "line", i+1, "err", err)
			unreadable = append(unreadable, line)
			continue
		}
		records = append(records, textRecord{line: line, fields: rec})
	}
	return records, unreadable, nil
}

func parseLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = '|'
	r.LazyQuotes = true
	return r.Read()
}

// read loads every record file. Malformed lines are logged and skipped; the
// engine validates what remains. Unreadable account and loan lines are kept.
func (s *TextStore) read() error {
	users, _, err := s.readFile(usersFile, 5)
	if err != nil {
		return err
	}
	for _, r := range users {
		rec := r.fields
		s.members[rec[0]] = lending.Member{
			ID: rec[0], Name: rec[1], Email: rec[2], Role: lending.Role(rec[3]), PasswordHash: rec[4],
		}
	}

	books, _, err := s.readFile(booksFile, 8)
	if err != nil {
		return err
	}
	for _, r := range books {
		rec := r.fields
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			s.log.Warn("Skipping book with bad id", "id", rec[0])
			continue
		}
		year, _ := strconv.Atoi(rec[4])
		s.entries[id] = &lending.CatalogEntry{
			ID: id,
			BookInfo: lending.BookInfo{
				Title: rec[1], Author: rec[2], Publisher: rec[3], Year: year, ISBN: rec[5],
			},
			Status: lending.BookStatus(rec[6]),
			Holder: rec[7],
		}
	}

	queue, _, err := s.readFile(reservationsFile, 5)
	if err != nil {
		return err
	}
	for _, r := range queue {
		rec := r.fields
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue
		}
		e, ok := s.entries[id]
		if !ok {
			s.log.Warn("Skipping reservation for unknown book", "book", rec[0], "member", rec[1])
			continue
		}
		res := lending.Reservation{MemberID: rec[1]}
		res.CreatedAt, err = parseTime(nullable(rec[2]))
		if err != nil {
			s.log.Warn("Skipping reservation with bad timestamp", "book", id, "member", rec[1], "err", err)
			continue
		}
		res.NotifiedAt, err = parseTime(nullable(rec[3]))
		if err != nil {
			s.log.Warn("Skipping reservation with bad timestamp", "book", id, "member", rec[1], "err", err)
			continue
		}
		res.Notified, _ = strconv.ParseBool(rec[4])
		e.Queue = append(e.Queue, res)
	}

	accounts, badAccounts, err := s.readFile(accountsFile, 3)
	if err != nil {
		return err
	}
	s.kept[accountsFile] = badAccounts
	for _, r := range accounts {
		rec := r.fields
		balance, err := decimal.NewFromString(rec[1])
		if err != nil {
			s.log.Warn("Skipping account with bad balance", "member", rec[0], "err", err)
			s.kept[accountsFile] = append(s.kept[accountsFile], r.line)
			continue
		}
		paid, _ := strconv.ParseBool(rec[2])
		s.ledgers[rec[0]] = &lending.Ledger{
			MemberID:    rec[0],
			Borrowed:    map[int64]struct{}{},
			FineBalance: balance,
			FinePaid:    paid,
		}
	}

	loans, badLoans, err := s.readFile(loansFile, 8)
	if err != nil {
		return err
	}
	s.kept[loansFile] = badLoans
	for _, r := range loans {
		rec := r.fields
		l, ok := s.ledgers[rec[1]]
		if !ok {
			s.kept[loansFile] = append(s.kept[loansFile], r.line)
			continue
		}
		ev, err := decodeLoanRecord(rec)
		if err != nil {
			s.log.Warn("Skipping unreadable loan", "member", rec[1], "loan", rec[0], "err", err)
			s.kept[loansFile] = append(s.kept[loansFile], r.line)
			continue
		}
		l.History = append(l.History, ev)
		if !ev.Returned {
			l.Borrowed[ev.BookID] = struct{}{}
		}
	}
	return nil
}

func decodeLoanRecord(rec []string) (lending.BorrowEvent, error) {
	var ev lending.BorrowEvent
	bookID, err := strconv.ParseInt(rec[2], 10, 64)
	if err != nil {
		return ev, err
	}
	ev.BookID = bookID
	if ev.Returned, err = strconv.ParseBool(rec[5]); err != nil {
		return ev, err
	}
	err = decodeLoan(&ev, rec[0], nullable(rec[3]), nullable(rec[4]), nullable(rec[6]), rec[7])
	return ev, err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
