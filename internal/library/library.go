// Package library orchestrates the bookshelf: adding books, wiring
// blueprints to domains, rescanning chapter lists, and the user-facing
// flag/retry flows.
package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/store"
	"fable/internal/types"

	"github.com/PuerkitoBio/goquery"
)

// flagThreshold is how many user-flagged chapters a domain tolerates before
// its blueprint is presumed stale and dropped for re-inference.
const flagThreshold = 3

// Renderer is the page surface the library drives directly.
type Renderer interface {
	Load(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
}

// BlueprintScout infers extraction rules from rendered markup.
type BlueprintScout interface {
	InferListBlueprint(ctx context.Context, html, domain string) (types.Blueprint, error)
	InferContentSelector(ctx context.Context, html string) (string, error)
}

// ChapterDiscoverer walks a chapter list under a blueprint.
type ChapterDiscoverer interface {
	DiscoverChapters(ctx context.Context, startURL string, bp types.Blueprint) ([]types.ChapterLink, error)
}

// Library coordinates the store, the scout, and the navigator.
type Library struct {
	store     *store.Store
	renderer  Renderer
	scout     BlueprintScout
	navigator ChapterDiscoverer
}

// New creates a library.
func New(st *store.Store, renderer Renderer, sc BlueprintScout, nav ChapterDiscoverer) *Library {
	return &Library{store: st, renderer: renderer, scout: sc, navigator: nav}
}

// AddBook registers a book by its table-of-contents URL. The domain's
// blueprint is reused when present and inferred otherwise, the chapter list
// is walked, and every discovered chapter lands as PENDING. Returns the
// stored book.
func (l *Library) AddBook(ctx context.Context, url, sourceLang, targetLang string, lookAhead int) (*types.Book, error) {
	domain := types.DomainOf(url)
	if domain == "" {
		return nil, fmt.Errorf("not a usable book URL: %q", url)
	}

	if err := l.renderer.Load(ctx, url); err != nil {
		return nil, fmt.Errorf("load book page: %w", err)
	}
	html, err := l.renderer.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read book page: %w", err)
	}

	bp, err := l.ensureBlueprint(ctx, html, domain)
	if err != nil {
		return nil, err
	}

	links, err := l.navigator.DiscoverChapters(ctx, url, *bp)
	if err != nil {
		return nil, fmt.Errorf("discover chapters: %w", err)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("no chapters found at %s with blueprint v%d", url, bp.Version)
	}

	book := types.Book{
		URL:        url,
		Domain:     domain,
		Title:      pageTitle(html, url),
		SourceLang: sourceLang,
		TargetLang: targetLang,
		LookAhead:  config.ClampLookAhead(lookAhead),
	}
	if err := l.store.UpsertBook(book); err != nil {
		return nil, err
	}

	chapters := make([]types.Chapter, 0, len(links))
	for i, link := range links {
		chapters = append(chapters, types.Chapter{
			BookURL:   url,
			Idx:       i,
			Title:     link.Title,
			SourceURL: link.URL,
		})
	}
	if err := l.store.BulkUpsertChapters(chapters); err != nil {
		return nil, err
	}

	if bp.ContentSelector == "" {
		if err := l.backfillContentSelector(ctx, domain, links[0].URL); err != nil {
			// The book is usable for browsing; fetching waits on the
			// selector, which the user can also set by hand.
			logging.Library("Content selector for %s still unknown: %v", domain, err)
		}
	}

	logging.Library("Added %q (%d chapters, blueprint v%d, mode %s)", book.Title, len(chapters), bp.Version, book.ProcessingMode())
	return l.store.GetBook(url)
}

// Rescan walks the chapter list again and merges the result. Existing
// chapters keep their fetched text and status; new ordinals appear as
// PENDING.
func (l *Library) Rescan(ctx context.Context, bookURL string) (int, error) {
	book, err := l.store.GetBook(bookURL)
	if err != nil {
		return 0, err
	}
	if book == nil {
		return 0, fmt.Errorf("unknown book: %s", bookURL)
	}

	bp, err := l.store.GetBlueprint(book.Domain)
	if err != nil {
		return 0, err
	}
	if bp == nil {
		return 0, fmt.Errorf("no blueprint for %s, re-add the book", book.Domain)
	}

	links, err := l.navigator.DiscoverChapters(ctx, bookURL, *bp)
	if err != nil {
		return 0, fmt.Errorf("discover chapters: %w", err)
	}

	chapters := make([]types.Chapter, 0, len(links))
	for i, link := range links {
		chapters = append(chapters, types.Chapter{
			BookURL:   bookURL,
			Idx:       i,
			Title:     link.Title,
			SourceURL: link.URL,
		})
	}
	if err := l.store.BulkUpsertChapters(chapters); err != nil {
		return 0, err
	}
	logging.Library("Rescanned %q: %d chapters", book.Title, len(chapters))
	return len(chapters), nil
}

// FlagChapter records a user quality complaint. The chapter drops to
// USER_FLAGGED so the scheduler reworks it, and once a domain accumulates
// enough flags its blueprint is invalidated outright. Returns whether the
// blueprint was dropped.
func (l *Library) FlagChapter(ctx context.Context, chapterID int64) (bool, error) {
	ch, err := l.store.GetChapter(chapterID)
	if err != nil {
		return false, err
	}
	if ch == nil {
		return false, fmt.Errorf("unknown chapter: %d", chapterID)
	}

	if err := l.store.UpdateChapterStatus(chapterID, types.StatusUserFlagged); err != nil {
		return false, err
	}

	domain := types.DomainOf(ch.BookURL)
	count, err := l.store.CountFlaggedByDomain(domain)
	if err != nil {
		return false, err
	}
	if count < flagThreshold {
		return false, nil
	}

	logging.Library("Domain %s hit %d flags, dropping its blueprint", domain, count)
	if err := l.store.InvalidateBlueprint(domain); err != nil {
		return false, err
	}
	return true, nil
}

// RepairBlueprint re-infers a domain's blueprint from a book's chapter list
// page and persists it. The prefetch loop calls this when repeated flags
// have dropped the blueprint, so the domain heals without the user
// re-adding the book. The content selector is backfilled from the book's
// first known chapter when inference leaves it empty.
func (l *Library) RepairBlueprint(ctx context.Context, book types.Book) (*types.Blueprint, error) {
	if err := l.renderer.Load(ctx, book.URL); err != nil {
		return nil, fmt.Errorf("load book page: %w", err)
	}
	html, err := l.renderer.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read book page: %w", err)
	}

	bp, err := l.ensureBlueprint(ctx, html, book.Domain)
	if err != nil {
		return nil, err
	}
	if bp.ContentSelector != "" {
		return bp, nil
	}

	chapters, err := l.store.ListChapters(book.URL)
	if err != nil || len(chapters) == 0 {
		return bp, err
	}
	if err := l.backfillContentSelector(ctx, book.Domain, chapters[0].SourceURL); err != nil {
		logging.Library("Content selector for %s still unknown: %v", book.Domain, err)
		return bp, nil
	}
	return l.store.GetBlueprint(book.Domain)
}

// RetryChapter resets a failed or flagged chapter to PENDING.
func (l *Library) RetryChapter(chapterID int64) error {
	return l.store.ResetForRetry(chapterID)
}

// RetranslateChapter clears a chapter's refined text and queues it again.
// The cached raw text survives, so no refetch happens.
func (l *Library) RetranslateChapter(chapterID int64) error {
	return l.store.ResetForRetranslate(chapterID)
}

// SetContentSelector overrides a domain's content selector by hand, for
// sites where inference keeps missing.
func (l *Library) SetContentSelector(domain, selector string) error {
	if strings.TrimSpace(selector) == "" {
		return errors.New("empty selector")
	}
	return l.store.SetContentSelector(domain, selector)
}

// ensureBlueprint fetches the domain's blueprint, inferring and persisting
// one when the domain is new.
func (l *Library) ensureBlueprint(ctx context.Context, html, domain string) (*types.Blueprint, error) {
	bp, err := l.store.GetBlueprint(domain)
	if err != nil {
		return nil, err
	}
	if bp != nil {
		logging.Library("Reusing blueprint v%d for %s", bp.Version, domain)
		return bp, nil
	}

	inferred, err := l.scout.InferListBlueprint(ctx, html, domain)
	if err != nil {
		return nil, fmt.Errorf("infer blueprint for %s: %w", domain, err)
	}
	if err := l.store.UpsertBlueprint(inferred); err != nil {
		return nil, err
	}
	return l.store.GetBlueprint(domain)
}

// backfillContentSelector renders the first chapter and asks the scout
// where its body lives.
func (l *Library) backfillContentSelector(ctx context.Context, domain, chapterURL string) error {
	if err := l.renderer.Load(ctx, chapterURL); err != nil {
		return fmt.Errorf("load sample chapter: %w", err)
	}
	html, err := l.renderer.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read sample chapter: %w", err)
	}
	selector, err := l.scout.InferContentSelector(ctx, html)
	if err != nil {
		return err
	}
	return l.store.SetContentSelector(domain, selector)
}

// pageTitle pulls the document title, falling back to the URL.
func pageTitle(html, url string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return url
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return url
	}
	return title
}
