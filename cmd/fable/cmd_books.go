// Book-level commands: add, list, rescan, remove.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addSourceLang string
	addTargetLang string
	addLookAhead  int
)

var addCmd = &cobra.Command{
	Use:   "add [toc-url]",
	Short: "Add a book by its table-of-contents URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "List the bookshelf",
	RunE:  runBooks,
}

var rescanCmd = &cobra.Command{
	Use:   "rescan [book-url]",
	Short: "Walk the chapter list again and pick up new chapters",
	Args:  cobra.ExactArgs(1),
	RunE:  runRescan,
}

var removeCmd = &cobra.Command{
	Use:   "remove [book-url]",
	Short: "Remove a book and all its chapters",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	addCmd.Flags().StringVar(&addSourceLang, "from", "", "Source language (default from config)")
	addCmd.Flags().StringVar(&addTargetLang, "to", "", "Target language (default from config)")
	addCmd.Flags().IntVar(&addLookAhead, "look-ahead", 0, "Chapters to prefetch past the reading position (1-10)")
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	src, dst := resolveLangs(addSourceLang, addTargetLang)
	logger.Info("Adding book", zap.String("url", args[0]), zap.String("from", src), zap.String("to", dst))

	book, err := svc.library.AddBook(ctx, args[0], src, dst, defaultLookAhead(addLookAhead))
	if err != nil {
		return err
	}

	chapters, err := svc.store.ListChapters(book.URL)
	if err != nil {
		return err
	}
	fmt.Printf("Added %q (%s -> %s, %s)\n", book.Title, book.SourceLang, book.TargetLang, book.ProcessingMode())
	fmt.Printf("%d chapters discovered. Run 'fable prefetch %s' to start the pipeline.\n", len(chapters), book.URL)
	return nil
}

func runBooks(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	books, err := st.ListBooks()
	if err != nil {
		return err
	}
	if len(books) == 0 {
		fmt.Println("No books yet. Add one with 'fable add <toc-url>'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tPOSITION\tLANGS\tLOOK-AHEAD\tURL")
	for _, b := range books {
		fmt.Fprintf(w, "%s\t%d\t%s->%s\t%d\t%s\n",
			b.Title, b.CurrentIndex, b.SourceLang, b.TargetLang, b.LookAhead, b.URL)
	}
	return w.Flush()
}

func runRescan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.library.Rescan(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Rescan complete: %d chapters on record.\n", n)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	book, err := st.GetBook(args[0])
	if err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("unknown book: %s", args[0])
	}
	if err := st.DeleteBook(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %q and its chapters.\n", book.Title)
	return nil
}
