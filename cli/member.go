package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"library-lending/lending"
	"library-lending/library"
)

func newMemberCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Member administration",
	}
	cmd.AddCommand(
		newMemberAddCmd(a),
		newMemberUpdateCmd(a),
		newMemberRemoveCmd(a),
		newMemberListCmd(a),
		newMemberShowCmd(a),
		newMemberPasswdCmd(a),
		newMemberResetPasswordCmd(a),
	)
	return cmd
}

func newMemberAddCmd(a *app) *cobra.Command {
	var (
		m        lending.Member
		role     string
		password string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a member",
		Example: `  # Add a student; the password is prompted
  library member add --id S003 --name "Eve Adams" --email eve@example.com --role Student`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := lending.ParseRole(role)
			if err != nil {
				return err
			}
			m.Role = r
			if password == "" {
				p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
				if password, err = p.readPassword(fmt.Sprintf("Enter password for %s: ", m.Name)); err != nil {
					return fmt.Errorf("error reading password: %w", err)
				}
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				if err := mgr.AddMember(cmd.Context(), m, password); err != nil {
					return fmt.Errorf("add member: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added member '%s' with ID %s\n", m.Name, m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&m.ID, "id", "", "Member ID (e.g. S001 for Student, F001 for Faculty)")
	cmd.Flags().StringVar(&m.Name, "name", "", "Full name")
	cmd.Flags().StringVar(&m.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&role, "role", "Student", "Student, Faculty or Librarian")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newMemberUpdateCmd(a *app) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "update <member-id>",
		Short: "Change a member's name or email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" && email == "" {
				return errors.New("nothing to update: pass --name or --email")
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				if err := mgr.UpdateMemberDetails(cmd.Context(), args[0], name, email); err != nil {
					return fmt.Errorf("update member %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated member %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&email, "email", "", "New email")
	return cmd
}

func newMemberRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <member-id>",
		Short: "Remove a member without loans or unpaid fines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				if err := mgr.RemoveMember(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("remove member %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed member %s\n", args[0])
				return nil
			})
		},
	}
}

func newMemberListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				printMembers(cmd.OutOrStdout(), mgr.GetAllMembers())
				return nil
			})
		},
	}
}

func newMemberShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <member-id>",
		Short: "Show a member's loans, reservations and fines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				m, err := mgr.GetMember(args[0])
				if err != nil {
					return fmt.Errorf("member %s: %w", args[0], err)
				}
				printMemberAccount(cmd, mgr, m)
				return nil
			})
		},
	}
}

func printMemberAccount(cmd *cobra.Command, mgr *library.LibraryManager, m lending.Member) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s), %s, %s\n", m.Name, m.ID, m.Role, m.Email)
	if !m.Role.HoldsLedger() {
		return
	}

	fine, _ := mgr.CurrentFine(m.ID)
	fmt.Fprintf(out, "Outstanding fine: %s\n", fine.StringFixed(2))

	borrowed, _ := mgr.GetBorrowedBooks(m.ID)
	fmt.Fprintf(out, "\nBorrowed (%d):\n", len(borrowed))
	printBooks(out, mgr, borrowed)

	reserved := mgr.GetMemberReservations(m.ID)
	fmt.Fprintf(out, "\nReserved (%d):\n", len(reserved))
	for _, b := range reserved {
		pos, _ := mgr.QueuePosition(m.ID, b.ID)
		fmt.Fprintf(out, "  %d %s, position %d\n", b.ID, b.Title, pos)
	}
}

func newMemberPasswdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <member-id>",
		Short: "Change your password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			oldPass, err := p.readPassword("Enter old password: ")
			if err != nil {
				return err
			}
			newPass, err := p.readPassword("Enter new password: ")
			if err != nil {
				return err
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				if err := mgr.ChangePassword(cmd.Context(), args[0], oldPass, newPass); err != nil {
					return fmt.Errorf("failed to change password: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password changed successfully!")
				return nil
			})
		},
	}
}

func newMemberResetPasswordCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <member-id>",
		Short: "Set a member's password without the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			newPass, err := p.readPassword(fmt.Sprintf("Enter new password for %s: ", args[0]))
			if err != nil {
				return err
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				if err := mgr.ResetMemberPassword(cmd.Context(), args[0], newPass); err != nil {
					return fmt.Errorf("error resetting password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password successfully reset for %s\n", args[0])
				return nil
			})
		},
	}
}
