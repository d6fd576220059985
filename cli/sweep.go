package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"library-lending/config"
	"library-lending/library"
	"library-lending/scheduler"
)

func newSweepCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a sweep once",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "reservations",
			Short: "Drop notified reservations whose window has passed",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withManager(cmd, func(mgr *library.LibraryManager) error {
					expired, err := mgr.SweepReservations(cmd.Context())
					out := cmd.OutOrStdout()
					for _, e := range expired {
						fmt.Fprintf(out, "Reservation expired: member %s, book %d\n", e.MemberID, e.BookID)
					}
					fmt.Fprintf(out, "%d reservation(s) expired\n", len(expired))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "fines",
			Short: "Assess fines on overdue loans",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withManager(cmd, func(mgr *library.LibraryManager) error {
					totals, err := mgr.SweepFines(cmd.Context())
					out := cmd.OutOrStdout()
					for _, id := range slices.Sorted(maps.Keys(totals)) {
						fmt.Fprintf(out, "%-8s %s\n", id, totals[id].StringFixed(2))
					}
					return err
				})
			},
		},
	)
	return cmd
}

func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the reservation and fine sweeps on their schedules",
		Long: `Runs both sweeps once at start, then on RESERVATION_SWEEP_SCHEDULE and
FINE_SWEEP_SCHEDULE until interrupted. The daemon shares the library with
other commands, so it needs the sqlite store driver.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Driver != config.StoreSQLite {
				return fmt.Errorf("daemon needs STORE_DRIVER=%s; the %s store serves one process at a time", config.StoreSQLite, a.cfg.Driver)
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				ctx := cmd.Context()
				sweeper := scheduler.NewSweeper(mgr.Engine(), a.cfg.ReservationSchedule, a.cfg.FineSchedule, a.log)
				sweeper.RunNow(ctx)
				if err := sweeper.Start(ctx); err != nil {
					return err
				}
				for name, next := range sweeper.NextRuns() {
					a.log.Info("Next sweep", "sweep", name, "at", next)
				}

				// Wait for context cancellation (Ctrl+C)
				<-ctx.Done()
				a.log.Info("Shutting down sweeper...")
				sweeper.Stop()
				return nil
			})
		},
	}
}
