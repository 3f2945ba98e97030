// Package types holds the shared domain model: blueprints, books, chapters,
// and the chapter status machine. Persistence lives in internal/store; this
// package stays import-cycle-free.
package types

import (
	"net/url"
	"strings"
	"time"
)

// ListStrategy selects the chapter-list traversal algorithm for a domain.
type ListStrategy string

const (
	ListSimple           ListStrategy = "SIMPLE"
	ListPaginated        ListStrategy = "PAGINATED"
	ListLoadMore         ListStrategy = "LOAD_MORE"
	ListExpandableToggle ListStrategy = "EXPANDABLE_TOGGLE"
)

// Valid reports whether s is a known traversal strategy.
func (s ListStrategy) Valid() bool {
	switch s {
	case ListSimple, ListPaginated, ListLoadMore, ListExpandableToggle:
		return true
	}
	return false
}

// WaitStrategy selects how the navigator decides a page update has settled.
type WaitStrategy string

const (
	WaitNetworkIdle  WaitStrategy = "NETWORK_IDLE"
	WaitDOMMutation  WaitStrategy = "DOM_MUTATION"
	WaitFixedTimeout WaitStrategy = "FIXED_TIMEOUT"
)

// Valid reports whether w is a known wait strategy.
func (w WaitStrategy) Valid() bool {
	switch w {
	case WaitNetworkIdle, WaitDOMMutation, WaitFixedTimeout:
		return true
	}
	return false
}

// Blueprint is the persisted, per-domain set of extraction rules and
// traversal strategy. At most one blueprint exists per domain; absence means
// "needs inference".
type Blueprint struct {
	Domain           string       `json:"domain"`
	ListStrategy     ListStrategy `json:"list_strategy"`
	ChapterSelector  string       `json:"chapter_selector"`
	ContentSelector  string       `json:"content_selector"`
	NextPageSelector string       `json:"next_page_selector,omitempty"`
	TriggerSelector  string       `json:"trigger_selector,omitempty"`
	WaitStrategy     WaitStrategy `json:"wait_strategy"`
	LastValidated    time.Time    `json:"last_validated"`
	Version          int          `json:"version"`
}

// ProcessingMode is how chapter text gets refined: same-language cleanup or
// full translation.
type ProcessingMode string

const (
	ModeCleanup     ProcessingMode = "CLEANUP"
	ModeTranslation ProcessingMode = "TRANSLATION"
)

// Book is keyed by its canonical source URL.
type Book struct {
	URL          string `json:"url"`
	Domain       string `json:"domain"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	SourceLang   string `json:"source_lang"`
	TargetLang   string `json:"target_lang"`
	CurrentIndex int    `json:"current_index"`
	LookAhead    int    `json:"look_ahead"`
}

// ProcessingMode derives the refinement mode from the language pair.
// Equal source and target means grammar cleanup, anything else a translation.
func (b Book) ProcessingMode() ProcessingMode {
	if strings.EqualFold(strings.TrimSpace(b.SourceLang), strings.TrimSpace(b.TargetLang)) {
		return ModeCleanup
	}
	return ModeTranslation
}

// ChapterStatus is the persisted chapter state machine. The status column is
// the single source of truth for pipeline control flow; the text fields are
// payload only and never branched on for state decisions.
type ChapterStatus string

const (
	StatusPending     ChapterStatus = "PENDING"
	StatusFetching    ChapterStatus = "FETCHING"
	StatusFetchFailed ChapterStatus = "FETCH_FAILED"
	StatusTranslating ChapterStatus = "TRANSLATING"
	StatusReady       ChapterStatus = "READY"
	StatusUserFlagged ChapterStatus = "USER_FLAGGED"
)

// Retryable reports whether a user retry may reset the chapter to PENDING.
// FETCHING counts: a cancelled scheduler loop can leave a chapter stranded
// there, and the only way out is a retry.
func (s ChapterStatus) Retryable() bool {
	return s == StatusFetchFailed || s == StatusUserFlagged || s == StatusFetching
}

// DefaultMinContentLength is the truncation-detection floor applied when a
// chapter carries no explicit expected minimum.
const DefaultMinContentLength = 500

// Chapter is one scraped chapter. The (BookURL, Idx) pair is unique; a
// re-scrape of the same ordinal overwrites rather than duplicates.
type Chapter struct {
	ID          int64         `json:"id"`
	BookURL     string        `json:"book_url"`
	Idx         int           `json:"idx"`
	Title       string        `json:"title"`
	SourceURL   string        `json:"source_url"`
	Status      ChapterStatus `json:"status"`
	RawText     string        `json:"raw_text,omitempty"`
	SourceLang  string        `json:"source_lang,omitempty"`
	RefinedText string        `json:"refined_text,omitempty"`
	RefinedLang string        `json:"refined_lang,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	MinLength   int           `json:"min_length,omitempty"`
}

// ContentFloor returns the effective minimum raw-text length for this chapter.
func (c Chapter) ContentFloor() int {
	if c.MinLength > 0 {
		return c.MinLength
	}
	return DefaultMinContentLength
}

// ChapterLink is one entry discovered while walking a chapter list.
type ChapterLink struct {
	Title string
	URL   string
}

// DomainOf extracts the blueprint key for a URL: the lowercased hostname.
func DomainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
