package cli

import (
	"fmt"
	"io"
	"strings"

	"library-lending/lending"
	"library-lending/library"
)

const timeLayout = "2006-01-02 15:04"

func printBooks(w io.Writer, mgr *library.LibraryManager, books []*lending.CatalogEntry) {
	if len(books) == 0 {
		fmt.Fprintln(w, "No books found.")
		return
	}

	fmt.Fprintf(w, "%-5s %-30s %-22s %-10s %-20s %s\n", "ID", "Title", "Author", "Status", "Borrower", "Reservation Queue")
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, b := range books {
		borrowerInfo := "None"
		if !b.IsAvailable() {
			borrowerInfo = memberLabel(mgr, b.Holder)
		}

		queueInfo := "None"
		if len(b.Queue) > 0 {
			var queueMembers []string
			for i, r := range b.Queue {
				entry := fmt.Sprintf("%d. %s", i+1, memberLabel(mgr, r.MemberID))
				if r.Notified {
					entry += " [notified]"
				}
				queueMembers = append(queueMembers, entry)
			}
			queueInfo = strings.Join(queueMembers, ", ")
		}

		fmt.Fprintf(w, "%-5d %-30s %-22s %-10s %-20s %s\n",
			b.ID,
			truncateString(b.Title, 30),
			truncateString(b.Author, 22),
			b.Status,
			truncateString(borrowerInfo, 20),
			queueInfo)
	}
}

func printBookDetails(w io.Writer, mgr *library.LibraryManager, b *lending.CatalogEntry) {
	fmt.Fprintf(w, "ID:        %d\n", b.ID)
	fmt.Fprintf(w, "Title:     %s\n", b.Title)
	fmt.Fprintf(w, "Author:    %s\n", b.Author)
	fmt.Fprintf(w, "Publisher: %s\n", b.Publisher)
	fmt.Fprintf(w, "Year:      %d\n", b.Year)
	fmt.Fprintf(w, "ISBN:      %s\n", b.ISBN)
	fmt.Fprintf(w, "Status:    %s\n", b.Status)
	if b.Holder != "" {
		fmt.Fprintf(w, "Borrower:  %s\n", memberLabel(mgr, b.Holder))
	}
	for i, r := range b.Queue {
		line := fmt.Sprintf("Queue %d:   %s since %s", i+1, memberLabel(mgr, r.MemberID), r.CreatedAt.Format(timeLayout))
		if r.Notified {
			line += fmt.Sprintf(", notified %s", r.NotifiedAt.Format(timeLayout))
		}
		fmt.Fprintln(w, line)
	}
}

func printMembers(w io.Writer, members []lending.Member) {
	if len(members) == 0 {
		fmt.Fprintln(w, "No members registered.")
		return
	}

	fmt.Fprintf(w, "%-8s %-25s %-28s %-10s %s\n", "ID", "Name", "Email", "Role", "Password Set")
	fmt.Fprintln(w, strings.Repeat("-", 85))

	for _, m := range members {
		passwordStatus := "No"
		if m.PasswordHash != "" {
			passwordStatus = "Yes"
		}
		fmt.Fprintf(w, "%-8s %-25s %-28s %-10s %s\n",
			m.ID, truncateString(m.Name, 25), truncateString(m.Email, 28), m.Role, passwordStatus)
	}
}

func printHistory(w io.Writer, mgr *library.LibraryManager, history []lending.BorrowEvent) {
	if len(history) == 0 {
		fmt.Fprintln(w, "No borrowing history.")
		return
	}

	fmt.Fprintf(w, "%-5s %-30s %-17s %-17s %-17s %s\n", "Book", "Title", "Borrowed", "Due", "Returned", "Fine")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, ev := range history {
		title := "(removed)"
		if b, err := mgr.GetBook(ev.BookID); err == nil {
			title = b.Title
		}
		returned := "-"
		if ev.Returned {
			returned = ev.ReturnedAt.Format(timeLayout)
		}
		fmt.Fprintf(w, "%-5d %-30s %-17s %-17s %-17s %s\n",
			ev.BookID,
			truncateString(title, 30),
			ev.BorrowedAt.Format(timeLayout),
			ev.DueAt.Format(timeLayout),
			returned,
			ev.FineAssessed.StringFixed(2))
	}
}

func memberLabel(mgr *library.LibraryManager, id string) string {
	if m, err := mgr.GetMember(id); err == nil {
		return fmt.Sprintf("%s (%s)", m.Name, m.ID)
	}
	return id
}
