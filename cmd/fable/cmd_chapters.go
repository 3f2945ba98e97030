// Chapter-level commands: list, show, retry, flag, retranslate.
package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"fable/internal/library"
	"fable/internal/types"

	"github.com/spf13/cobra"
)

var chaptersCmd = &cobra.Command{
	Use:   "chapters [book-url]",
	Short: "List a book's chapters and their pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE:  runChapters,
}

var showCmd = &cobra.Command{
	Use:   "show [chapter-id]",
	Short: "Print a chapter's refined text",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var retryCmd = &cobra.Command{
	Use:   "retry [chapter-id]",
	Short: "Queue a failed or flagged chapter again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var flagCmd = &cobra.Command{
	Use:   "flag [chapter-id]",
	Short: "Flag a chapter as badly extracted or translated",
	Long: `Flag a chapter whose text came out wrong. The chapter goes back into
the pipeline for rework, and a domain that collects enough flags has its
extraction blueprint dropped and re-learned on the next add.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlag,
}

var retranslateCmd = &cobra.Command{
	Use:   "retranslate [chapter-id]",
	Short: "Redo refinement from the cached raw text",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetranslate,
}

func chapterID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a chapter id: %q", arg)
	}
	return id, nil
}

func runChapters(cmd *cobra.Command, args []string) error {
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
	chapters, err := st.ListChapters(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%q - position %d, look-ahead %d\n\n", book.Title, book.CurrentIndex, book.LookAhead)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIDX\tSTATUS\tTITLE\tERROR")
	for _, ch := range chapters {
		marker := ""
		if ch.Idx == book.CurrentIndex {
			marker = " <- reading"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s%s\t%s\n", ch.ID, ch.Idx, ch.Status, ch.Title, marker, ch.LastError)
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := chapterID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ch, err := st.GetChapter(id)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("unknown chapter: %d", id)
	}

	switch ch.Status {
	case types.StatusReady:
		fmt.Printf("%s\n\n%s\n", ch.Title, ch.RefinedText)
	case types.StatusFetchFailed:
		return fmt.Errorf("chapter %d failed: %s (retry with 'fable retry %d')", id, ch.LastError, id)
	default:
		return fmt.Errorf("chapter %d is %s, not ready yet", id, ch.Status)
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := chapterID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ch, err := st.GetChapter(id)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("unknown chapter: %d", id)
	}
	if !ch.Status.Retryable() {
		return fmt.Errorf("chapter %d is %s; only failed or flagged chapters can be retried", id, ch.Status)
	}
	if err := st.ResetForRetry(id); err != nil {
		return err
	}
	fmt.Printf("Chapter %d queued again.\n", id)
	return nil
}

func runFlag(cmd *cobra.Command, args []string) error {
	id, err := chapterID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Flagging needs no browser or LLM; wire the library with the store only.
	lib := library.New(st, nil, nil, nil)
	invalidated, err := lib.FlagChapter(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("Chapter %d flagged for rework.\n", id)
	if invalidated {
		fmt.Println("The site's extraction blueprint was dropped and will be re-learned.")
	}
	return nil
}

func runRetranslate(cmd *cobra.Command, args []string) error {
	id, err := chapterID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ch, err := st.GetChapter(id)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("unknown chapter: %d", id)
	}
	if ch.RawText == "" {
		return fmt.Errorf("chapter %d has no cached text; use 'fable retry %d' to refetch", id, id)
	}
	if err := st.ResetForRetranslate(id); err != nil {
		return err
	}
	fmt.Printf("Chapter %d queued for a fresh translation from cached text.\n", id)
	return nil
}
