// Package navigator walks a site's chapter list under a blueprint's
// traversal strategy and returns the ordered chapter links.
package navigator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/render"
	"fable/internal/types"

	"github.com/PuerkitoBio/goquery"
)

// maxPages bounds any traversal loop. Sites with more pages than this are
// either broken or hostile.
const maxPages = 50

// Page is the rendering surface the navigator drives. *render.Renderer
// satisfies it; tests substitute a scripted fake.
type Page interface {
	Load(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) (bool, error)
	WaitNetworkIdle(ctx context.Context, quiet, cap time.Duration) bool
	WaitForMutation(ctx context.Context, timeout time.Duration) bool
}

// Navigator traverses chapter lists.
type Navigator struct {
	page Page
	cfg  config.BrowserConfig
}

// New creates a navigator over a rendering surface.
func New(page Page, cfg config.BrowserConfig) *Navigator {
	return &Navigator{page: page, cfg: cfg}
}

// DiscoverChapters loads the start page and walks the list per the
// blueprint's strategy. The result preserves discovery order and contains
// no duplicate URLs. Mid-traversal page failures end the walk with what was
// collected so far; only the initial load is fatal.
func (n *Navigator) DiscoverChapters(ctx context.Context, startURL string, bp types.Blueprint) ([]types.ChapterLink, error) {
	timer := logging.StartTimer(logging.CategoryNavigator, fmt.Sprintf("discover %s", startURL))
	defer timer.Stop()

	if err := n.page.Load(ctx, startURL); err != nil {
		return nil, fmt.Errorf("load chapter list: %w", err)
	}
	n.settle(ctx, bp.WaitStrategy)

	switch bp.ListStrategy {
	case types.ListSimple:
		return n.extract(ctx, bp.ChapterSelector, nil)
	case types.ListPaginated:
		return n.paginate(ctx, bp)
	case types.ListLoadMore:
		return n.loadMore(ctx, bp)
	case types.ListExpandableToggle:
		return n.expand(ctx, bp)
	default:
		return nil, fmt.Errorf("unknown list strategy: %s", bp.ListStrategy)
	}
}

// paginate follows the next-page control until it disappears, the page cap
// is hit, or a page contributes nothing new.
func (n *Navigator) paginate(ctx context.Context, bp types.Blueprint) ([]types.ChapterLink, error) {
	var links []types.ChapterLink
	seen := make(map[string]bool)

	for page := 1; page <= maxPages; page++ {
		batch, err := n.extract(ctx, bp.ChapterSelector, seen)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			logging.Navigator("Page %d unreadable, stopping with %d links: %v", page, len(links), err)
			break
		}
		links = append(links, batch...)

		if len(batch) == 0 {
			logging.NavigatorDebug("Page %d added nothing new, stopping", page)
			break
		}

		clicked, err := n.page.Click(ctx, bp.NextPageSelector)
		if err != nil {
			logging.Navigator("Next-page click failed on page %d, stopping: %v", page, err)
			break
		}
		if !clicked {
			break
		}
		n.settle(ctx, bp.WaitStrategy)
	}

	logging.Navigator("Paginated walk collected %d chapters", len(links))
	return links, nil
}

// loadMore clicks the trigger until it stops producing new entries.
func (n *Navigator) loadMore(ctx context.Context, bp types.Blueprint) ([]types.ChapterLink, error) {
	seen := make(map[string]bool)
	links, err := n.extract(ctx, bp.ChapterSelector, seen)
	if err != nil {
		return nil, err
	}

	for round := 0; round < maxPages; round++ {
		clicked, err := n.page.Click(ctx, bp.TriggerSelector)
		if err != nil {
			logging.Navigator("Load-more click failed, stopping with %d links: %v", len(links), err)
			break
		}
		if !clicked {
			break
		}
		n.settle(ctx, bp.WaitStrategy)

		batch, err := n.extract(ctx, bp.ChapterSelector, seen)
		if err != nil {
			logging.Navigator("Re-extract failed after load-more, stopping: %v", err)
			break
		}
		if len(batch) == 0 {
			// The control still exists but adds nothing; the list is done.
			break
		}
		links = append(links, batch...)
	}

	logging.Navigator("Load-more walk collected %d chapters", len(links))
	return links, nil
}

// expand clicks the collapse toggle exactly once and re-extracts.
func (n *Navigator) expand(ctx context.Context, bp types.Blueprint) ([]types.ChapterLink, error) {
	clicked, err := n.page.Click(ctx, bp.TriggerSelector)
	if err != nil {
		return nil, fmt.Errorf("expand toggle: %w", err)
	}
	if clicked {
		n.settle(ctx, bp.WaitStrategy)
	} else {
		logging.NavigatorDebug("Toggle %q not present, list may already be expanded", bp.TriggerSelector)
	}
	return n.extract(ctx, bp.ChapterSelector, nil)
}

// extract pulls chapter links out of the current DOM. When seen is non-nil
// it is consulted and updated, so repeated extractions across pages yield
// only new entries.
func (n *Navigator) extract(ctx context.Context, selector string, seen map[string]bool) ([]types.ChapterLink, error) {
	html, err := n.page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	base, err := n.page.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("current url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	if seen == nil {
		seen = make(map[string]bool)
	}

	var links []types.ChapterLink
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		anchor := sel
		if !sel.Is("a") {
			anchor = sel.Find("a").First()
		}
		href, ok := anchor.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		resolved, err := render.ResolveLink(base, href)
		if err != nil {
			logging.NavigatorDebug("Unresolvable href %q: %v", href, err)
			return
		}
		if seen[resolved] {
			return
		}
		seen[resolved] = true

		title := strings.TrimSpace(anchor.Text())
		if title == "" {
			title = strings.TrimSpace(sel.Text())
		}
		links = append(links, types.ChapterLink{Title: title, URL: resolved})
	})

	logging.NavigatorDebug("Extracted %d new links with %q", len(links), selector)
	return links, nil
}

// settle waits for a page update to finish under the blueprint's wait
// strategy. Hard timeouts resolve to "not settled" and the walk proceeds
// with whatever the DOM holds.
func (n *Navigator) settle(ctx context.Context, strategy types.WaitStrategy) {
	switch strategy {
	case types.WaitDOMMutation:
		if !n.page.WaitForMutation(ctx, n.cfg.MutationTimeout()) {
			logging.NavigatorDebug("No DOM mutation within %s", n.cfg.MutationTimeout())
		}
	case types.WaitFixedTimeout:
		select {
		case <-ctx.Done():
		case <-time.After(n.cfg.FixedDelay()):
		}
	default: // NETWORK_IDLE
		if !n.page.WaitNetworkIdle(ctx, n.cfg.SettleGrace(), n.cfg.NavigationTimeout()) {
			logging.NavigatorDebug("Network never went idle within %s", n.cfg.NavigationTimeout())
		}
	}
}
