package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"library-lending/lending"
	"library-lending/library"
)

// memberBookFlags are shared by the circulation commands.
type memberBookFlags struct {
	member   string
	book     int64
	password string
}

func (f *memberBookFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.member, "member", "m", "", "Member ID (e.g. S001)")
	cmd.Flags().Int64VarP(&f.book, "book", "b", 0, "Book ID")
	cmd.Flags().StringVar(&f.password, "password", "", "Member password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("book")
}

// authenticate checks the member's password, prompting for it if needed.
func authenticate(cmd *cobra.Command, mgr *library.LibraryManager, memberID, password string) (lending.Member, error) {
	if password == "" {
		p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		var err error
		if password, err = p.readPassword("Enter your password: "); err != nil {
			return lending.Member{}, fmt.Errorf("failed to read password: %w", err)
		}
	}
	m, err := mgr.AuthenticateMember(memberID, password)
	if err != nil {
		return lending.Member{}, fmt.Errorf("authentication failed: %w", err)
	}
	return m, nil
}

func newBorrowCmd(a *app) *cobra.Command {
	var f memberBookFlags
	cmd := &cobra.Command{
		Use:   "borrow",
		Short: "Borrow a book",
		Example: `  # Borrow book 2 as S001
  library borrow --member S001 --book 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				m, err := authenticate(cmd, mgr, f.member, f.password)
				if err != nil {
					return err
				}
				if err := mgr.BorrowBook(cmd.Context(), m.ID, f.book); err != nil {
					return fmt.Errorf("borrow book %d: %w", f.book, err)
				}
				book, _ := mgr.GetBook(f.book)
				l, _ := mgr.Engine().Ledger(m.ID)
				due := l.History[len(l.History)-1].DueAt
				fmt.Fprintf(cmd.OutOrStdout(), "Book '%s' borrowed by %s, due %s\n", book.Title, m.Name, due.Format("2006-01-02 15:04"))
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newReturnCmd(a *app) *cobra.Command {
	var f memberBookFlags
	cmd := &cobra.Command{
		Use:   "return",
		Short: "Return a borrowed book",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				m, err := authenticate(cmd, mgr, f.member, f.password)
				if err != nil {
					return err
				}
				if err := mgr.ReturnBook(cmd.Context(), m.ID, f.book); err != nil {
					return fmt.Errorf("return book %d: %w", f.book, err)
				}
				out := cmd.OutOrStdout()
				book, _ := mgr.GetBook(f.book)
				fmt.Fprintf(out, "Book '%s' returned by %s\n", book.Title, m.Name)
				if head, ok := book.HeadReservation(); ok {
					fmt.Fprintf(out, "Held for %s (next in reservation queue)\n", head.MemberID)
				} else {
					fmt.Fprintln(out, "Book is now available")
				}
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newReserveCmd(a *app) *cobra.Command {
	var f memberBookFlags
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Queue for a book that is out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				m, err := authenticate(cmd, mgr, f.member, f.password)
				if err != nil {
					return err
				}
				if err := mgr.ReserveBook(cmd.Context(), m.ID, f.book); err != nil {
					return fmt.Errorf("reserve book %d: %w", f.book, err)
				}
				pos, _ := mgr.QueuePosition(m.ID, f.book)
				book, _ := mgr.GetBook(f.book)
				fmt.Fprintf(cmd.OutOrStdout(), "Book '%s' reserved for %s (position %d in queue). You will be notified when it becomes available.\n",
					book.Title, m.Name, pos)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var f memberBookFlags
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				m, err := authenticate(cmd, mgr, f.member, f.password)
				if err != nil {
					return err
				}
				if err := mgr.CancelReservation(cmd.Context(), m.ID, f.book); err != nil {
					return fmt.Errorf("cancel reservation on book %d: %w", f.book, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reservation on book %d cancelled for %s\n", f.book, m.Name)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var memberID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a member's borrowing history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				history, err := mgr.BorrowHistory(memberID)
				if err != nil {
					return fmt.Errorf("history for %s: %w", memberID, err)
				}
				printHistory(cmd.OutOrStdout(), mgr, history)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&memberID, "member", "m", "", "Member ID")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}
