// Package extractor pulls a single chapter's body text out of a rendered
// page. It makes exactly one attempt per call; retry policy belongs to the
// scheduler and the user, not here.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/types"

	"github.com/PuerkitoBio/goquery"
)

// Sentinel failures. Both are recorded verbatim on the chapter so a reader
// can tell a missing page from a truncated one.
var (
	ErrEmptyContent    = errors.New("content selector matched nothing")
	ErrContentTooShort = errors.New("content below expected minimum length")
)

// Page is the minimal rendering surface the extractor drives.
type Page interface {
	Load(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	WaitNetworkIdle(ctx context.Context, quiet, cap time.Duration) bool
	WaitForMutation(ctx context.Context, timeout time.Duration) bool
}

// Extractor fetches chapter bodies.
type Extractor struct {
	page Page
	cfg  config.BrowserConfig
}

// New creates an extractor over a rendering surface.
func New(page Page, cfg config.BrowserConfig) *Extractor {
	return &Extractor{page: page, cfg: cfg}
}

// FetchChapterBody loads the chapter page, waits for it to settle under the
// blueprint's strategy, and returns the text under the content selector.
// floor is the minimum rune count below which the body counts as truncated.
func (e *Extractor) FetchChapterBody(ctx context.Context, url string, bp types.Blueprint, floor int) (string, error) {
	if bp.ContentSelector == "" {
		return "", fmt.Errorf("no content selector for %s", bp.Domain)
	}

	timer := logging.StartTimer(logging.CategoryExtractor, fmt.Sprintf("fetch %s", url))
	defer timer.Stop()

	if err := e.page.Load(ctx, url); err != nil {
		return "", fmt.Errorf("load chapter: %w", err)
	}
	e.settle(ctx, bp.WaitStrategy)

	html, err := e.page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read chapter page: %w", err)
	}

	body, err := ExtractText(html, bp.ContentSelector)
	if err != nil {
		return "", err
	}

	if floor <= 0 {
		floor = types.DefaultMinContentLength
	}
	if n := utf8.RuneCountInString(body); n < floor {
		return "", fmt.Errorf("%w: got %d, want at least %d", ErrContentTooShort, n, floor)
	}

	logging.Extractor("Fetched %d chars from %s", utf8.RuneCountInString(body), url)
	return body, nil
}

// ExtractText returns the trimmed text under selector, with block elements
// separated by blank lines like the page showed them.
func ExtractText(html, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse chapter page: %w", err)
	}

	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return "", fmt.Errorf("%w: %q", ErrEmptyContent, selector)
	}

	var paragraphs []string
	if sel.Find("p").Length() > 0 {
		sel.Find("p").Each(func(_ int, p *goquery.Selection) {
			if text := strings.TrimSpace(p.Text()); text != "" {
				paragraphs = append(paragraphs, text)
			}
		})
	} else {
		// No paragraph markup; fall back to the raw text of the container.
		for _, line := range strings.Split(sel.Text(), "\n") {
			if text := strings.TrimSpace(line); text != "" {
				paragraphs = append(paragraphs, text)
			}
		}
	}

	body := strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
	if body == "" {
		return "", fmt.Errorf("%w: %q matched only empty nodes", ErrEmptyContent, selector)
	}
	return body, nil
}

func (e *Extractor) settle(ctx context.Context, strategy types.WaitStrategy) {
	switch strategy {
	case types.WaitDOMMutation:
		e.page.WaitForMutation(ctx, e.cfg.MutationTimeout())
	case types.WaitFixedTimeout:
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.FixedDelay()):
		}
	default:
		e.page.WaitNetworkIdle(ctx, e.cfg.SettleGrace(), e.cfg.NavigationTimeout())
	}
}
