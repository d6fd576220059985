package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"library-lending/config"
	"library-lending/lending"
	"library-lending/library"
)

// catalogFile is the YAML layout accepted by the importer.
type catalogFile struct {
	Books   []lending.BookInfo   `yaml:"books"`
	Members []library.MemberSeed `yaml:"members"`
}

func parseCatalog(r io.Reader) (*catalogFile, error) {
	var c catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, b := range c.Books {
		if strings.TrimSpace(b.Title) == "" {
			return nil, fmt.Errorf("book %d has no title", i+1)
		}
	}
	for i, m := range c.Members {
		if m.ID == "" || m.Password == "" {
			return nil, fmt.Errorf("member %d needs an id and a password", i+1)
		}
		if _, err := lending.ParseRole(string(m.Role)); err != nil {
			return nil, fmt.Errorf("member %s: %w", m.ID, err)
		}
	}
	return &c, nil
}

// importCatalog adds every book and member of c, skipping members whose ID is
// already taken. It returns how many records were written and how many failed.
func importCatalog(ctx context.Context, mgr *library.LibraryManager, c *catalogFile, out io.Writer) (ok, failed int) {
	for _, s := range c.Members {
		role, _ := lending.ParseRole(string(s.Role))
		s.Role = role
		fmt.Fprintf(out, "Importing member: %s (%s)... ", s.Name, s.ID)
		if err := mgr.AddMember(ctx, s.Member, s.Password); err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintln(out, "SUCCESS")
		ok++
	}
	for _, info := range c.Books {
		fmt.Fprintf(out, "Importing: %s by %s... ", info.Title, info.Author)
		b, err := mgr.AddBook(ctx, info)
		if err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintf(out, "SUCCESS (ID: %d)\n", b.ID)
		ok++
	}
	return ok, failed
}

func newImportCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "import_books <catalog.yaml>",
		Short: "Import books and members from a YAML catalog",
		Args:  cobra.ExactArgs(1),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := config.NewConfig()
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			catalog, err := parseCatalog(f)
			if err != nil {
				return err
			}

			if reset && cfg.Driver == config.StoreSQLite {
				fmt.Fprintln(out, "Cleaning up existing database files...")
				for _, file := range []string{cfg.DatabasePath, cfg.DatabasePath + "-shm", cfg.DatabasePath + "-wal"} {
					if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
						fmt.Fprintf(out, "Warning: Could not remove %s: %v\n", file, err)
					}
				}
			}
			// The imported file replaces the default seed data.
			cfg.SeedDefaults = false

			mgr, err := library.NewLibraryManager(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("open library: %w", err)
			}
			defer mgr.Close()

			ok, failed := importCatalog(cmd.Context(), mgr, catalog, out)
			fmt.Fprintf(out, "\nImport complete: %d successful, %d errors\n", ok, failed)
			fmt.Fprintf(out, "Total books in catalog: %d\n", len(mgr.GetAllBooks()))
			if failed > 0 {
				return fmt.Errorf("%d record(s) failed to import", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Delete the SQLite database before importing")
	return cmd
}

func main() {
	if err := newImportCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
