package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"library-lending/lending"
	"library-lending/library"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive library terminal",
		Long: `Starts an interactive session. Members log in with their ID and password
and get the commands their role allows.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				sh := &shell{
					ctx: cmd.Context(),
					mgr: mgr,
					p:   newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
					out: cmd.OutOrStdout(),
				}
				sh.run()
				return nil
			})
		},
	}
}

type shell struct {
	ctx  context.Context
	mgr  *library.LibraryManager
	p    *prompter
	out  io.Writer
	user lending.Member
}

func (s *shell) printf(format string, args ...any) { fmt.Fprintf(s.out, format, args...) }

func (s *shell) run() {
	s.printf("Welcome to the Library Management System!\n")
	for {
		if !s.login() {
			s.printf("Goodbye!\n")
			return
		}
		if s.session() {
			s.printf("Goodbye!\n")
			return
		}
	}
}

// login asks for credentials until they match; it is false at end of input.
func (s *shell) login() bool {
	for {
		id, ok := s.p.line("\nMember ID (or 'exit'): ")
		if !ok || id == "exit" {
			return false
		}
		password, err := s.p.readPassword("Password: ")
		if err != nil {
			return false
		}
		s.refresh()
		m, err := s.mgr.AuthenticateMember(id, password)
		if err != nil {
			s.printf("Authentication failed: %v\n", err)
			continue
		}
		s.user = m
		s.printf("Logged in as %s (%s)\n", m.Name, m.Role)
		return true
	}
}

// session runs commands for the logged-in user. It returns true to leave the
// shell and false to log out.
func (s *shell) session() bool {
	s.showNotifications()
	s.printHelp()
	for {
		if s.ctx.Err() != nil {
			return true
		}
		cmd, ok := s.p.line("\n> ")
		if !ok {
			return true
		}
		switch cmd {
		case "":
			continue
		case "help":
			s.printHelp()
		case "logout":
			return false
		case "exit":
			return true
		default:
			s.refresh()
			s.dispatch(cmd)
		}
		s.showNotifications()
	}
}

// refresh picks up what other processes changed since the last command.
func (s *shell) refresh() {
	if err := s.mgr.Refresh(s.ctx); err != nil {
		s.printf("Warning: could not reload the library: %v\n", err)
	}
}

func (s *shell) isLibrarian() bool { return s.user.Role == lending.RoleLibrarian }

func (s *shell) printHelp() {
	s.printf("Available commands:\n")
	s.printf("  Books: list books, available books, search book, show book\n")
	if s.isLibrarian() {
		s.printf("  Catalog: add book, update book, remove book\n")
		s.printf("  Members: add member, remove member, list members, show member, reset password\n")
		s.printf("  Sweeps: sweep reservations, sweep fines\n")
	} else {
		s.printf("  Circulation: borrow, return, reserve, cancel reservation\n")
		s.printf("  Account: my books, my reservations, history, fine, pay fine\n")
	}
	s.printf("  System: change password, help, logout, exit\n")
}

func (s *shell) dispatch(cmd string) {
	common := map[string]func(){
		"list books":      func() { printBooks(s.out, s.mgr, s.mgr.GetAllBooks()) },
		"available books": func() { printBooks(s.out, s.mgr, s.mgr.GetAvailableBooks()) },
		"search book":     s.handleSearch,
		"show book":       s.handleShowBook,
		"change password": s.handleChangePassword,
	}
	member := map[string]func(){
		"borrow":             s.circulation("borrow", s.mgr.BorrowBook, "Book '%s' borrowed."),
		"return":             s.circulation("return", s.mgr.ReturnBook, "Book '%s' returned."),
		"reserve":            s.circulation("reserve", s.mgr.ReserveBook, "Book '%s' reserved. You will be notified when it becomes available."),
		"cancel reservation": s.circulation("cancel", s.mgr.CancelReservation, "Reservation on '%s' cancelled."),
		"my books":           s.handleMyBooks,
		"my reservations":    s.handleMyReservations,
		"history":            s.handleHistory,
		"fine":               s.handleFine,
		"pay fine":           s.handlePayFine,
	}
	librarian := map[string]func(){
		"add book":           s.handleAddBook,
		"update book":        s.handleUpdateBook,
		"remove book":        s.handleRemoveBook,
		"add member":         s.handleAddMember,
		"remove member":      s.handleRemoveMember,
		"list members":       func() { printMembers(s.out, s.mgr.GetAllMembers()) },
		"show member":        s.handleShowMember,
		"reset password":     s.handleResetPassword,
		"sweep reservations": s.handleSweepReservations,
		"sweep fines":        s.handleSweepFines,
	}

	if h, ok := common[cmd]; ok {
		h()
		return
	}
	roleCommands := member
	if s.isLibrarian() {
		roleCommands = librarian
	}
	if h, ok := roleCommands[cmd]; ok {
		h()
		return
	}
	s.printf("Unknown command. Type 'help' to list the available commands.\n")
}

// showNotifications prints the reservations waiting for the user.
func (s *shell) showNotifications() {
	for _, n := range s.mgr.Notifications(s.user.ID) {
		s.printf("\nNOTIFICATION: The book '%s' (ID: %d) you reserved is now available. Borrow it before %s.\n",
			n.Title, n.BookID, n.ExpiresAt.Format(timeLayout))
	}
}

func (s *shell) readBookID() (int64, bool) {
	raw, ok := s.p.line("Book ID: ")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.printf("Invalid book ID: %s\n", raw)
		return 0, false
	}
	return id, true
}

type intent func(ctx context.Context, memberID string, bookID int64) error

func (s *shell) circulation(name string, do intent, success string) func() {
	return func() {
		id, ok := s.readBookID()
		if !ok {
			return
		}
		if err := do(s.ctx, s.user.ID, id); err != nil {
			s.printf("Cannot %s book %d: %v\n", name, id, err)
			return
		}
		title := strconv.FormatInt(id, 10)
		if b, err := s.mgr.GetBook(id); err == nil {
			title = b.Title
		}
		s.printf(success+"\n", title)
	}
}

func (s *shell) handleSearch() {
	query, ok := s.p.line("Query: ")
	if !ok {
		return
	}
	books, err := s.mgr.SearchBooks(s.ctx, query)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	if len(books) == 0 {
		s.printf("No books found matching '%s'.\n", query)
		return
	}
	s.printf("Found %d book(s) matching '%s':\n", len(books), query)
	printBooks(s.out, s.mgr, books)
}

func (s *shell) handleShowBook() {
	id, ok := s.readBookID()
	if !ok {
		return
	}
	b, err := s.mgr.GetBook(id)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	printBookDetails(s.out, s.mgr, b)
}

func (s *shell) handleChangePassword() {
	oldPass, err := s.p.readPassword("Enter old password: ")
	if err != nil {
		return
	}
	newPass, err := s.p.readPassword("Enter new password: ")
	if err != nil {
		return
	}
	if err := s.mgr.ChangePassword(s.ctx, s.user.ID, oldPass, newPass); err != nil {
		s.printf("Failed to change password: %v\n", err)
		return
	}
	s.printf("Password changed successfully!\n")
}

func (s *shell) handleMyBooks() {
	books, err := s.mgr.GetBorrowedBooks(s.user.ID)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	printBooks(s.out, s.mgr, books)
}

func (s *shell) handleMyReservations() {
	reserved := s.mgr.GetMemberReservations(s.user.ID)
	if len(reserved) == 0 {
		s.printf("No reservations.\n")
		return
	}
	for _, b := range reserved {
		pos, _ := s.mgr.QueuePosition(s.user.ID, b.ID)
		s.printf("%-5d %-30s position %d\n", b.ID, truncateString(b.Title, 30), pos)
	}
	for _, b := range s.mgr.ReadyReservations(s.user.ID) {
		s.printf("Ready for you: '%s' (ID: %d)\n", b.Title, b.ID)
	}
}

func (s *shell) handleHistory() {
	history, err := s.mgr.BorrowHistory(s.user.ID)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	printHistory(s.out, s.mgr, history)
}

func (s *shell) handleFine() {
	fine, err := s.mgr.CurrentFine(s.user.ID)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	s.printf("Outstanding fine: %s\n", fine.StringFixed(2))
}

func (s *shell) handlePayFine() {
	raw, ok := s.p.line("Amount: ")
	if !ok {
		return
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		s.printf("Invalid amount: %s\n", raw)
		return
	}
	left, err := s.mgr.PayFine(s.ctx, s.user.ID, amount)
	if err != nil {
		s.printf("Payment failed: %v\n", err)
		return
	}
	s.printf("Payment recorded. Remaining fine: %s\n", left.StringFixed(2))
}

func (s *shell) readBookInfo(cur lending.BookInfo) (lending.BookInfo, bool) {
	fields := []struct {
		label string
		dst   *string
	}{
		{"Title", &cur.Title},
		{"Author", &cur.Author},
		{"Publisher", &cur.Publisher},
		{"ISBN", &cur.ISBN},
	}
	for _, f := range fields {
		v, ok := s.p.line(fmt.Sprintf("%s [%s]: ", f.label, *f.dst))
		if !ok {
			return cur, false
		}
		if v != "" {
			*f.dst = v
		}
	}
	v, ok := s.p.line(fmt.Sprintf("Year [%d]: ", cur.Year))
	if !ok {
		return cur, false
	}
	if v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			s.printf("Invalid year: %s\n", v)
			return cur, false
		}
		cur.Year = year
	}
	return cur, true
}

func (s *shell) handleAddBook() {
	info, ok := s.readBookInfo(lending.BookInfo{})
	if !ok {
		return
	}
	b, err := s.mgr.AddBook(s.ctx, info)
	if err != nil {
		s.printf("Error adding book: %v\n", err)
		return
	}
	s.printf("Added book ID %d\n", b.ID)
}

func (s *shell) handleUpdateBook() {
	id, ok := s.readBookID()
	if !ok {
		return
	}
	b, err := s.mgr.GetBook(id)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	info, ok := s.readBookInfo(b.BookInfo)
	if !ok {
		return
	}
	if err := s.mgr.UpdateBook(s.ctx, id, info); err != nil {
		s.printf("Error updating book: %v\n", err)
		return
	}
	s.printf("Updated book ID %d\n", id)
}

func (s *shell) handleRemoveBook() {
	id, ok := s.readBookID()
	if !ok {
		return
	}
	if err := s.mgr.RemoveBook(s.ctx, id); err != nil {
		s.printf("Error removing book: %v\n", err)
		return
	}
	s.printf("Removed book ID %d\n", id)
}

func (s *shell) handleAddMember() {
	var m lending.Member
	var ok bool
	if m.ID, ok = s.p.line("ID (format: S001 for Student, F001 for Faculty): "); !ok {
		return
	}
	if m.Name, ok = s.p.line("Name: "); !ok {
		return
	}
	if m.Email, ok = s.p.line("Email: "); !ok {
		return
	}
	raw, ok := s.p.line("Role (Student/Faculty/Librarian): ")
	if !ok {
		return
	}
	role, err := lending.ParseRole(raw)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	m.Role = role
	password, err := s.p.readPassword(fmt.Sprintf("Enter password for %s: ", m.Name))
	if err != nil {
		return
	}
	if strings.TrimSpace(password) == "" {
		s.printf("Error: Password cannot be empty\n")
		return
	}
	if err := s.mgr.AddMember(s.ctx, m, password); err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	s.printf("Added member '%s' with ID %s\n", m.Name, m.ID)
}

func (s *shell) handleRemoveMember() {
	id, ok := s.p.line("Member ID: ")
	if !ok {
		return
	}
	if id == s.user.ID {
		s.printf("You cannot remove yourself.\n")
		return
	}
	if err := s.mgr.RemoveMember(s.ctx, id); err != nil {
		s.printf("Error removing member: %v\n", err)
		return
	}
	s.printf("Removed member %s\n", id)
}

func (s *shell) handleShowMember() {
	id, ok := s.p.line("Member ID: ")
	if !ok {
		return
	}
	m, err := s.mgr.GetMember(id)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	s.printf("%s (%s), %s, %s\n", m.Name, m.ID, m.Role, m.Email)
	if !m.Role.HoldsLedger() {
		return
	}
	fine, _ := s.mgr.CurrentFine(id)
	s.printf("Outstanding fine: %s\n", fine.StringFixed(2))
	books, _ := s.mgr.GetBorrowedBooks(id)
	printBooks(s.out, s.mgr, books)
}

func (s *shell) handleResetPassword() {
	id, ok := s.p.line("Member ID: ")
	if !ok {
		return
	}
	member, err := s.mgr.GetMember(id)
	if err != nil {
		s.printf("Error: Member with ID %s not found\n", id)
		return
	}
	newPassword, err := s.p.readPassword(fmt.Sprintf("Enter new password for %s (ID: %s): ", member.Name, id))
	if err != nil {
		return
	}
	if err := s.mgr.ResetMemberPassword(s.ctx, id, newPassword); err != nil {
		s.printf("Error resetting password: %v\n", err)
		return
	}
	s.printf("Password successfully reset for %s (ID: %s)\n", member.Name, id)
}

func (s *shell) handleSweepReservations() {
	expired, err := s.mgr.SweepReservations(s.ctx)
	if err != nil {
		s.printf("Sweep finished with errors: %v\n", err)
	}
	for _, e := range expired {
		s.printf("Reservation expired: member %s, book %d\n", e.MemberID, e.BookID)
	}
	s.printf("%d reservation(s) expired\n", len(expired))
}

func (s *shell) handleSweepFines() {
	totals, err := s.mgr.SweepFines(s.ctx)
	if err != nil {
		s.printf("Sweep finished with errors: %v\n", err)
	}
	owing := 0
	for _, t := range totals {
		if t.IsPositive() {
			owing++
		}
	}
	s.printf("%d member(s) with open loans, %d owing\n", len(totals), owing)
}
