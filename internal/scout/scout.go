// Package scout infers extraction blueprints from rendered pages using the
// completion service. Inference is all-or-nothing: a response that fails
// validation yields no blueprint at all, never a partial one.
package scout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fable/internal/llm"
	"fable/internal/logging"
	"fable/internal/types"
)

// ErrInference marks a completion that could not be turned into a valid
// blueprint. The cause is wrapped for the logs.
var ErrInference = errors.New("blueprint inference failed")

// snippetLimit caps how much page markup goes into a prompt. Chapter lists
// front-load their structure, so the head of the document is enough.
const snippetLimit = 24_000

// Scout drives blueprint inference.
type Scout struct {
	client llm.Client
}

// New creates a scout over a completion client.
func New(client llm.Client) *Scout {
	return &Scout{client: client}
}

const listSystemPrompt = `You analyze the HTML of a web novel's table-of-contents page and answer with a single JSON object, no prose, no markdown fences:
{
  "list_strategy": "SIMPLE" | "PAGINATED" | "LOAD_MORE" | "EXPANDABLE_TOGGLE",
  "chapter_selector": "<CSS selector matching every chapter link>",
  "next_page_selector": "<CSS selector for the next-page control, or empty>",
  "trigger_selector": "<CSS selector for the load-more or expand control, or empty>",
  "wait_strategy": "NETWORK_IDLE" | "DOM_MUTATION" | "FIXED_TIMEOUT"
}
Rules:
- SIMPLE: all chapter links are present in one static list.
- PAGINATED: the list spans numbered pages reached through a next link.
- LOAD_MORE: a button appends more entries to the same list.
- EXPANDABLE_TOGGLE: a collapsed section reveals the full list after one click.
- chapter_selector must match the anchor elements, not their container.
- Leave selectors you did not find as empty strings. Never invent selectors.`

const contentSystemPrompt = `You analyze the HTML of a single web novel chapter page and answer with a single JSON object, no prose, no markdown fences:
{"content_selector": "<CSS selector for the element containing the chapter body text>"}
The selector must match exactly one element that holds the prose and excludes navigation, comments, and ads. Answer with an empty string if no such element exists.`

type listInference struct {
	ListStrategy     string `json:"list_strategy"`
	ChapterSelector  string `json:"chapter_selector"`
	NextPageSelector string `json:"next_page_selector"`
	TriggerSelector  string `json:"trigger_selector"`
	WaitStrategy     string `json:"wait_strategy"`
}

// InferListBlueprint asks the completion service to classify a chapter-list
// page and returns a validated blueprint for the domain. Version and
// validation stamps are left for the store to assign.
func (s *Scout) InferListBlueprint(ctx context.Context, html, domain string) (types.Blueprint, error) {
	timer := logging.StartTimer(logging.CategoryScout, fmt.Sprintf("infer list %s", domain))
	defer timer.Stop()

	raw, err := s.client.CompleteWithOptions(ctx, listSystemPrompt, Snippet(html, snippetLimit), llm.StructuredOptions())
	if err != nil {
		return types.Blueprint{}, fmt.Errorf("%w: %v", ErrInference, err)
	}

	var inf listInference
	if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &inf); err != nil {
		logging.ScoutDebug("Unparseable inference for %s: %s", domain, raw)
		return types.Blueprint{}, fmt.Errorf("%w: decode: %v", ErrInference, err)
	}

	bp := types.Blueprint{
		Domain:           domain,
		ListStrategy:     types.ListStrategy(strings.ToUpper(strings.TrimSpace(inf.ListStrategy))),
		ChapterSelector:  strings.TrimSpace(inf.ChapterSelector),
		NextPageSelector: strings.TrimSpace(inf.NextPageSelector),
		TriggerSelector:  strings.TrimSpace(inf.TriggerSelector),
		WaitStrategy:     types.WaitStrategy(strings.ToUpper(strings.TrimSpace(inf.WaitStrategy))),
	}

	if bp.WaitStrategy == "" {
		bp.WaitStrategy = types.WaitNetworkIdle
	}
	if err := validate(bp); err != nil {
		return types.Blueprint{}, fmt.Errorf("%w: %v", ErrInference, err)
	}

	logging.Scout("Inferred %s blueprint for %s (chapters: %q)", bp.ListStrategy, domain, bp.ChapterSelector)
	return bp, nil
}

// InferContentSelector asks the completion service where a chapter page's
// body text lives.
func (s *Scout) InferContentSelector(ctx context.Context, html string) (string, error) {
	raw, err := s.client.CompleteWithOptions(ctx, contentSystemPrompt, Snippet(html, snippetLimit), llm.StructuredOptions())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInference, err)
	}

	var inf struct {
		ContentSelector string `json:"content_selector"`
	}
	if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &inf); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrInference, err)
	}

	selector := strings.TrimSpace(inf.ContentSelector)
	if selector == "" {
		return "", fmt.Errorf("%w: no content selector found", ErrInference)
	}
	return selector, nil
}

func validate(bp types.Blueprint) error {
	if !bp.ListStrategy.Valid() {
		return fmt.Errorf("invalid list strategy %q", bp.ListStrategy)
	}
	if bp.ChapterSelector == "" {
		return errors.New("empty chapter selector")
	}
	if !bp.WaitStrategy.Valid() {
		return fmt.Errorf("invalid wait strategy %q", bp.WaitStrategy)
	}
	switch bp.ListStrategy {
	case types.ListPaginated:
		if bp.NextPageSelector == "" {
			return errors.New("paginated list without next-page selector")
		}
	case types.ListLoadMore, types.ListExpandableToggle:
		if bp.TriggerSelector == "" {
			return fmt.Errorf("%s list without trigger selector", bp.ListStrategy)
		}
	}
	return nil
}
