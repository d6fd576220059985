package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"library-lending/library"
)

func newFineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fine",
		Short: "Show and pay fines",
	}
	cmd.AddCommand(newFineShowCmd(a), newFinePayCmd(a))
	return cmd
}

func newFineShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <member-id>",
		Short: "Show a member's outstanding fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				fine, err := mgr.CurrentFine(args[0])
				if err != nil {
					return fmt.Errorf("fine for %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Outstanding fine for %s: %s\n", args[0], fine.StringFixed(2))
				return nil
			})
		},
	}
}

func newFinePayCmd(a *app) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "pay <member-id>",
		Short: "Record a fine payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				left, err := mgr.PayFine(cmd.Context(), args[0], value)
				if err != nil {
					return fmt.Errorf("pay fine for %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Payment of %s recorded. Remaining fine: %s\n", value.StringFixed(2), left.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Amount paid")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
