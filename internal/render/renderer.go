// Package render owns the shared headless Chrome session. All page
// operations funnel through a single rendering slot, so concurrent callers
// are serialized rather than racing over one tab.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fable/internal/config"
	"fable/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrNavTimeout marks a navigation that exceeded the page-load timeout, as
// opposed to one the site refused outright.
var ErrNavTimeout = errors.New("navigation timed out")

// Renderer wraps one detached Chrome instance with a single reusable page.
// The weighted semaphore has capacity one; holding it is what grants access
// to the tab.
type Renderer struct {
	cfg     config.BrowserConfig
	id      string
	slot    *semaphore.Weighted
	browser *rod.Browser
	page    *rod.Page
}

// NewRenderer creates a renderer. Call Start before any page operation.
func NewRenderer(cfg config.BrowserConfig) *Renderer {
	return &Renderer{
		cfg:  cfg,
		id:   uuid.NewString(),
		slot: semaphore.NewWeighted(1),
	}
}

// Start launches Chrome and opens the shared page. Images are disabled at
// the Blink level since chapter scraping only needs text.
func (r *Renderer) Start(ctx context.Context) error {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.slot.Release(1)

	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		logging.Browser("Stale browser connection, relaunching")
		_ = r.browser.Close()
		r.browser = nil
		r.page = nil
	}

	launch := launcher.New().Headless(r.cfg.Headless)
	if r.cfg.Bin != "" {
		launch = launch.Bin(r.cfg.Bin)
	}
	launch = launch.Set(flags.Flag("blink-settings"), "imagesEnabled=false")

	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("create page: %w", err)
	}

	ua := r.cfg.UserAgent
	if ua == "" {
		ua = config.MobileUserAgent
	}
	if err := (proto.EmulationSetUserAgentOverride{UserAgent: ua}).Call(page); err != nil {
		logging.Browser("Failed to set user agent: %v", err)
	}

	r.browser = browser
	r.page = page
	logging.Browser("Session %s started (headless=%v)", r.id, r.cfg.Headless)
	return nil
}

// Shutdown closes the page and the browser.
func (r *Renderer) Shutdown() error {
	if err := r.slot.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer r.slot.Release(1)

	if r.page != nil {
		_ = r.page.Close()
		r.page = nil
	}
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	logging.Browser("Session %s shut down", r.id)
	return err
}

// Load navigates the shared page to a URL and waits for the load event.
// A timeout comes back as ErrNavTimeout so callers can tell slow sites
// from broken ones.
func (r *Renderer) Load(ctx context.Context, rawURL string) error {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.slot.Release(1)

	if r.page == nil {
		return errors.New("renderer not started")
	}

	timer := logging.StartTimer(logging.CategoryBrowser, fmt.Sprintf("load %s", rawURL))
	defer timer.Stop()

	p := r.page.Context(ctx).Timeout(r.cfg.NavigationTimeout())
	if err := p.Navigate(rawURL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrNavTimeout, rawURL)
		}
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrNavTimeout, rawURL)
		}
		return fmt.Errorf("wait load %s: %w", rawURL, err)
	}
	return nil
}

// HTML returns the current serialized DOM.
func (r *Renderer) HTML(ctx context.Context) (string, error) {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.slot.Release(1)

	if r.page == nil {
		return "", errors.New("renderer not started")
	}
	return r.page.Context(ctx).HTML()
}

// CurrentURL reports the page's URL after any redirects.
func (r *Renderer) CurrentURL(ctx context.Context) (string, error) {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.slot.Release(1)

	if r.page == nil {
		return "", errors.New("renderer not started")
	}
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Eval runs a JS function on the page and returns its JSON-encoded result.
func (r *Renderer) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.slot.Release(1)
	return r.evalLocked(ctx, js, args...)
}

func (r *Renderer) evalLocked(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if r.page == nil {
		return nil, errors.New("renderer not started")
	}
	res, err := r.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

// Click clicks the first element matching the selector. A missing element
// is reported as clicked=false, not as an error, since expand-style pages
// use absence as a stop signal.
func (r *Renderer) Click(ctx context.Context, selector string) (bool, error) {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer r.slot.Release(1)

	if r.page == nil {
		return false, errors.New("renderer not started")
	}

	p := r.page.Context(ctx).Timeout(3 * time.Second)
	el, err := p.Element(selector)
	if err != nil {
		logging.BrowserDebug("No element for %q: %v", selector, err)
		return false, nil
	}
	if err := el.ScrollIntoView(); err != nil {
		logging.BrowserDebug("Scroll into view %q: %v", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, fmt.Errorf("click %q: %w", selector, err)
	}
	return true, nil
}

// WaitNetworkIdle blocks until no request has been in flight for the quiet
// window, or until the hard cap expires. Returns whether the page settled.
func (r *Renderer) WaitNetworkIdle(ctx context.Context, quiet, cap time.Duration) bool {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return false
	}
	defer r.slot.Release(1)

	if r.page == nil {
		return false
	}

	p := r.page.Context(ctx).Timeout(cap)
	wait := p.WaitRequestIdle(quiet, nil, nil, nil)
	wait()
	return p.GetContext().Err() == nil
}

// WaitForMutation installs a one-shot MutationObserver and blocks until the
// DOM changes or the timeout fires. Returns whether a mutation was seen.
func (r *Renderer) WaitForMutation(ctx context.Context, timeout time.Duration) bool {
	if err := r.slot.Acquire(ctx, 1); err != nil {
		return false
	}
	defer r.slot.Release(1)

	raw, err := r.evalLocked(ctx, `
	(timeoutMs) => new Promise((resolve) => {
		const root = document.documentElement || document.body;
		if (!root) { resolve(false); return; }
		const obs = new MutationObserver(() => {
			obs.disconnect();
			resolve(true);
		});
		obs.observe(root, { childList: true, subtree: true, characterData: true });
		setTimeout(() => { obs.disconnect(); resolve(false); }, timeoutMs);
	})
	`, timeout.Milliseconds())
	if err != nil {
		logging.BrowserDebug("Mutation wait failed: %v", err)
		return false
	}
	return strings.TrimSpace(string(raw)) == "true"
}

// ResolveLink resolves href against base, so relative chapter links become
// absolute fetchable URLs.
func ResolveLink(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %s: %w", base, err)
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %s: %w", href, err)
	}
	return b.ResolveReference(h).String(), nil
}
