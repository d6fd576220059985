package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"library-lending/config"
	"library-lending/library"
)

// app carries what every subcommand shares: the configuration and the logger.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "library",
		Short: "Library lending engine: catalog, reservations, member ledgers and fines",
		Long: `library manages a lending library: members borrow and return books,
queue for books that are out, and accrue fines for overdue loans.

Configuration is read from the environment (and a .env file when present):
STORE_DRIVER, DATABASE_PATH, DATA_DIR, TIME_UNIT, RESERVATION_WINDOW_UNITS,
RESERVATION_SWEEP_SCHEDULE, FINE_SWEEP_SCHEDULE, BCRYPT_COST, SEED_DEFAULTS,
LOG_LEVEL and LOG_FORMAT.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			a.cfg = config.NewConfig()
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			a.log = newLogger(cmd.ErrOrStderr(), a.cfg.Log)
			slog.SetDefault(a.log)
			return nil
		},
	}

	cmd.AddCommand(
		newBorrowCmd(a),
		newReturnCmd(a),
		newReserveCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
		newBookCmd(a),
		newMemberCmd(a),
		newFineCmd(a),
		newSweepCmd(a),
		newShellCmd(a),
		newDaemonCmd(a),
	)

	return cmd
}

func newLogger(w io.Writer, c config.Log) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withManager opens the library, runs fn, and closes it again.
func (a *app) withManager(cmd *cobra.Command, fn func(*library.LibraryManager) error) error {
	mgr, err := library.NewLibraryManager(cmd.Context(), a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			a.log.Error("Failed to close library", "err", cerr)
		}
	}()
	return fn(mgr)
}
