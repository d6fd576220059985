package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"library-lending/lending"
	"library-lending/library"
)

func newBookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Catalog administration",
	}
	cmd.AddCommand(
		newBookAddCmd(a),
		newBookUpdateCmd(a),
		newBookRemoveCmd(a),
		newBookListCmd(a),
		newBookShowCmd(a),
		newBookSearchCmd(a),
	)
	return cmd
}

func bookInfoFlags(cmd *cobra.Command, info *lending.BookInfo) {
	cmd.Flags().StringVar(&info.Title, "title", "", "Title")
	cmd.Flags().StringVar(&info.Author, "author", "", "Author")
	cmd.Flags().StringVar(&info.Publisher, "publisher", "", "Publisher")
	cmd.Flags().IntVar(&info.Year, "year", 0, "Publication year")
	cmd.Flags().StringVar(&info.ISBN, "isbn", "", "ISBN")
}

func bookIDArg(args []string) (int64, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid book ID: %s", args[0])
	}
	return id, nil
}

func newBookAddCmd(a *app) *cobra.Command {
	var info lending.BookInfo
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog",
		Example: `  library book add --title "Operating Systems" --author "Abraham Silberschatz" \
    --publisher Wiley --year 2012 --isbn 978-1118063330`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				book, err := mgr.AddBook(cmd.Context(), info)
				if err != nil {
					return fmt.Errorf("add book: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added book ID %d\n", book.ID)
				return nil
			})
		},
	}
	bookInfoFlags(cmd, &info)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newBookUpdateCmd(a *app) *cobra.Command {
	var info lending.BookInfo
	cmd := &cobra.Command{
		Use:   "update <book-id>",
		Short: "Change a book's metadata; omitted flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bookIDArg(args)
			if err != nil {
				return err
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				cur, err := mgr.GetBook(id)
				if err != nil {
					return fmt.Errorf("book %d: %w", id, err)
				}
				next := cur.BookInfo
				flags := cmd.Flags()
				if flags.Changed("title") {
					next.Title = info.Title
				}
				if flags.Changed("author") {
					next.Author = info.Author
				}
				if flags.Changed("publisher") {
					next.Publisher = info.Publisher
				}
				if flags.Changed("year") {
					next.Year = info.Year
				}
				if flags.Changed("isbn") {
					next.ISBN = info.ISBN
				}
				if err := mgr.UpdateBook(cmd.Context(), id, next); err != nil {
					return fmt.Errorf("update book %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated book ID %d\n", id)
				return nil
			})
		},
	}
	bookInfoFlags(cmd, &info)
	return cmd
}

func newBookRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <book-id>",
		Short: "Remove a book that is not borrowed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bookIDArg(args)
			if err != nil {
				return err
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				if err := mgr.RemoveBook(cmd.Context(), id); err != nil {
					return fmt.Errorf("remove book %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed book ID %d\n", id)
				return nil
			})
		},
	}
}

func newBookListCmd(a *app) *cobra.Command {
	var availableOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				books := mgr.GetAllBooks()
				if availableOnly {
					books = mgr.GetAvailableBooks()
				}
				printBooks(cmd.OutOrStdout(), mgr, books)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&availableOnly, "available", false, "Only list books nobody holds")
	return cmd
}

func newBookShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <book-id>",
		Short: "Show a book with its reservation queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bookIDArg(args)
			if err != nil {
				return err
			}
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				book, err := mgr.GetBook(id)
				if err != nil {
					return fmt.Errorf("book %d: %w", id, err)
				}
				printBookDetails(cmd.OutOrStdout(), mgr, book)
				return nil
			})
		},
	}
}

func newBookSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search by title, author or ISBN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(mgr *library.LibraryManager) error {
				books, err := mgr.SearchBooks(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(books) == 0 {
					fmt.Fprintf(out, "No books found matching '%s'.\n", args[0])
					return nil
				}
				fmt.Fprintf(out, "Found %d book(s) matching '%s':\n", len(books), args[0])
				printBooks(out, mgr, books)
				return nil
			})
		},
	}
}
