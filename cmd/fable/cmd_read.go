// Reading commands: read and the long-running prefetch loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"fable/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var readCmd = &cobra.Command{
	Use:   "read [book-url] [index]",
	Short: "Read a chapter, fetching it on demand if needed",
	Long: `Read prints the refined text of the chapter at the given index (default:
the saved reading position), advances the position, and leaves look-ahead
work to the prefetch loop. A chapter that is not READY yet is fetched and
refined on the spot.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch [book-url]",
	Short: "Run the look-ahead pipeline until interrupted",
	Long: `Prefetch watches the reading position and keeps the next chapters READY:
pending chapters inside the look-ahead window are fetched from the site,
validated, and run through cleanup or translation. Press Ctrl+C to stop;
interrupted chapters are repaired on the next start.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrefetch,
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	bookURL := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	book, err := st.GetBook(bookURL)
	if err != nil {
		st.Close()
		return err
	}
	if book == nil {
		st.Close()
		return fmt.Errorf("unknown book: %s", bookURL)
	}

	idx := book.CurrentIndex
	if len(args) == 2 {
		idx, err = strconv.Atoi(args[1])
		if err != nil {
			st.Close()
			return fmt.Errorf("not a chapter index: %q", args[1])
		}
	}

	inRange, err := st.GetChaptersInRange(bookURL, idx, idx)
	st.Close()
	if err != nil {
		return err
	}
	if len(inRange) == 0 {
		return fmt.Errorf("no chapter %d in %q", idx, book.Title)
	}
	ch := &inRange[0]

	if ch.Status != types.StatusReady {
		logger.Info("Chapter not ready, processing on demand",
			zap.Int("idx", idx), zap.String("status", string(ch.Status)))
		svc, err := buildServices(ctx)
		if err != nil {
			return err
		}
		if err := svc.scheduler.ProcessNow(ctx, ch.ID); err != nil {
			svc.Close()
			return fmt.Errorf("chapter %d: %w", idx, err)
		}
		ch, err = svc.store.GetChapter(ch.ID)
		svc.Close()
		if err != nil {
			return err
		}
	}

	fmt.Printf("%s\n\n%s\n", ch.Title, ch.RefinedText)

	st, err = openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.UpdateReadingPosition(bookURL, idx); err != nil {
		return err
	}
	logger.Info("Reading position saved", zap.Int("idx", idx))
	return nil
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.scheduler.Start(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("Prefetching. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Stopping...")
	svc.scheduler.Stop()
	return nil
}
