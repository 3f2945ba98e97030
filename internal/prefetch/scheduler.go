// Package prefetch runs the look-ahead pipeline: it watches the reading
// position and walks eligible chapters through fetch, validation, and
// refinement so the next few chapters are READY before the reader arrives.
package prefetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/store"
	"fable/internal/types"

	"golang.org/x/time/rate"
)

// Fetcher pulls one chapter body from the site.
type Fetcher interface {
	FetchChapterBody(ctx context.Context, url string, bp types.Blueprint, floor int) (string, error)
}

// Refiner turns raw chapter text into readable prose.
type Refiner interface {
	Refine(ctx context.Context, raw string, mode types.ProcessingMode, sourceLang, targetLang string) (string, error)
}

// BlueprintRepairer re-infers a domain's blueprint from a book's chapter
// list page. The scheduler reaches for it when repeated flags dropped the
// blueprint, so flagged chapters get reworked without a manual re-add.
type BlueprintRepairer interface {
	RepairBlueprint(ctx context.Context, book types.Book) (*types.Blueprint, error)
}

// Scheduler owns the prefetch loop for one book at a time. Starting it for
// a second book stops the first loop.
type Scheduler struct {
	store    *store.Store
	fetcher  Fetcher
	refiner  Refiner
	repairer BlueprintRepairer

	pollInterval time.Duration
	batchSize    int
	limiter      *rate.Limiter

	lifecycle sync.Mutex // serializes Start/Stop transitions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. The rate limiter spaces site requests out to the
// configured per-minute budget; refinement calls are not limited here. The
// repairer may be nil, in which case a missing blueprint just idles the loop.
func New(st *store.Store, fetcher Fetcher, refiner Refiner, repairer BlueprintRepairer, cfg *config.Config) *Scheduler {
	rpm := cfg.Prefetch.RequestsPerMin
	if rpm <= 0 {
		rpm = 20
	}
	batch := cfg.Prefetch.BatchSize
	if batch <= 0 {
		batch = 3
	}
	return &Scheduler{
		store:        st,
		fetcher:      fetcher,
		refiner:      refiner,
		repairer:     repairer,
		pollInterval: cfg.GetPollInterval(),
		batchSize:    batch,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

// Start begins prefetching for a book, replacing any running loop. Chapters
// stranded in TRANSLATING by an earlier crash are repaired to PENDING
// before the first pass.
func (s *Scheduler) Start(ctx context.Context, bookURL string) error {
	book, err := s.store.GetBook(bookURL)
	if err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("unknown book: %s", bookURL)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()

	if n, err := s.store.ResetTranslating(bookURL); err != nil {
		return fmt.Errorf("repair stranded chapters: %w", err)
	} else if n > 0 {
		logging.Prefetch("Repaired %d chapters stuck in TRANSLATING for %q", n, book.Title)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(loopCtx, bookURL)
	}()

	logging.Prefetch("Prefetch started for %q", book.Title)
	return nil
}

// Stop cancels the running loop and waits for it to drain. Safe to call
// when nothing is running.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, bookURL string) {
	for {
		processed := s.pass(ctx, bookURL)
		if ctx.Err() != nil {
			return
		}
		if processed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}
}

// pass re-reads the reading position, computes the eligibility window, and
// processes up to batchSize candidates serially. Returns how many chapters
// were attempted.
func (s *Scheduler) pass(ctx context.Context, bookURL string) int {
	book, err := s.store.GetBook(bookURL)
	if err != nil || book == nil {
		logging.Prefetch("Book %s unavailable, idling: %v", bookURL, err)
		return 0
	}

	bp, err := s.usableBlueprint(ctx, *book)
	if err != nil {
		logging.Prefetch("Blueprint for %s unavailable: %v", book.Domain, err)
		return 0
	}
	if bp == nil || bp.ContentSelector == "" {
		logging.PrefetchDebug("No usable blueprint for %s yet, idling", book.Domain)
		return 0
	}

	from := book.CurrentIndex
	to := from + config.ClampLookAhead(book.LookAhead)
	candidates, err := s.store.CandidatesInWindow(bookURL, from, to, s.batchSize)
	if err != nil {
		logging.Prefetch("Candidate query failed: %v", err)
		return 0
	}
	if len(candidates) == 0 {
		return 0
	}

	logging.PrefetchDebug("Window [%d,%d]: %d candidates", from, to, len(candidates))
	attempted := 0
	for _, ch := range candidates {
		if ctx.Err() != nil {
			break
		}
		attempted++
		if err := s.process(ctx, *book, *bp, ch); err != nil {
			logging.Prefetch("Chapter %d (%q) failed: %v", ch.Idx, ch.Title, err)
		}
	}
	return attempted
}

// usableBlueprint loads the domain's blueprint. When the blueprint has been
// dropped (a flag storm invalidates it) and a repairer is wired, it is
// re-inferred from the book's list page so the loop resumes on its own.
func (s *Scheduler) usableBlueprint(ctx context.Context, book types.Book) (*types.Blueprint, error) {
	bp, err := s.store.GetBlueprint(book.Domain)
	if err != nil || bp != nil {
		return bp, err
	}
	if s.repairer == nil {
		return nil, nil
	}
	logging.Prefetch("Blueprint for %s is gone, re-inferring from %s", book.Domain, book.URL)
	return s.repairer.RepairBlueprint(ctx, book)
}

// process walks one chapter through the pipeline. A cached raw body skips
// the fetch stage, which is what makes flag-driven rework cheap. Refinement
// runs shielded from loop cancellation: once the completion call is in
// flight, abandoning it would waste the tokens, so the result is persisted
// even when Stop arrives mid-chapter.
func (s *Scheduler) process(ctx context.Context, book types.Book, bp types.Blueprint, ch types.Chapter) error {
	raw := ch.RawText
	if strings.TrimSpace(raw) == "" {
		if err := s.store.UpdateChapterStatus(ch.ID, types.StatusFetching); err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			// Shutdown mid-wait; leave the chapter for the next run.
			_ = s.store.UpdateChapterStatus(ch.ID, types.StatusPending)
			return err
		}

		body, err := s.fetcher.FetchChapterBody(ctx, ch.SourceURL, bp, ch.ContentFloor())
		if err != nil {
			if markErr := s.store.MarkChapterFailed(ch.ID, err.Error()); markErr != nil {
				return markErr
			}
			return err
		}
		if err := s.store.SetChapterRaw(ch.ID, body, book.SourceLang); err != nil {
			return err
		}
		raw = body
	}

	if err := s.store.UpdateChapterStatus(ch.ID, types.StatusTranslating); err != nil {
		return err
	}

	refineCtx := context.WithoutCancel(ctx)
	refined, err := s.refiner.Refine(refineCtx, raw, book.ProcessingMode(), book.SourceLang, book.TargetLang)
	if err != nil {
		if markErr := s.store.MarkChapterFailed(ch.ID, err.Error()); markErr != nil {
			return markErr
		}
		return err
	}

	if err := s.store.SetChapterRefined(ch.ID, refined, book.TargetLang); err != nil {
		return err
	}
	logging.Prefetch("Chapter %d (%q) ready", ch.Idx, ch.Title)
	return nil
}

// ProcessNow runs one chapter through the pipeline synchronously, outside
// the look-ahead window. Used when the reader jumps straight to a chapter
// the loop has not reached.
func (s *Scheduler) ProcessNow(ctx context.Context, chapterID int64) error {
	ch, err := s.store.GetChapter(chapterID)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("unknown chapter: %d", chapterID)
	}
	if ch.Status == types.StatusReady {
		return nil
	}
	if ch.Status.Retryable() {
		if err := s.store.ResetForRetry(ch.ID); err != nil {
			return err
		}
		ch.Status = types.StatusPending
		ch.LastError = ""
	}

	book, err := s.store.GetBook(ch.BookURL)
	if err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("unknown book: %s", ch.BookURL)
	}

	bp, err := s.usableBlueprint(ctx, *book)
	if err != nil {
		return err
	}
	if bp == nil || bp.ContentSelector == "" {
		return fmt.Errorf("no usable blueprint for %s", book.Domain)
	}

	return s.process(ctx, *book, *bp, *ch)
}
