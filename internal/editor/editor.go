// Package editor turns raw scraped chapter text into readable prose through
// the completion service: same-language cleanup or full translation,
// depending on the book's language pair.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fable/internal/llm"
	"fable/internal/logging"
	"fable/internal/types"
)

// ErrEmptyInput means there was nothing to refine. Callers should treat it
// as a pipeline bug, not a site failure.
var ErrEmptyInput = errors.New("no text to refine")

const cleanupSystemPrompt = `You are a copy editor for serialized web fiction. Rewrite the chapter you are given into clean, natural prose in its own language:
- Fix grammar, punctuation, and broken sentences left by scraping.
- Remove watermarks, site names, translator notes, and advertising fragments embedded in the text.
- Preserve the story content, paragraph structure, names, and tone exactly.
- Never summarize, never add commentary, never translate.
Answer with the cleaned chapter text only.`

const translateSystemPrompt = `You are a literary translator for serialized web fiction. Translate the chapter you are given from %s into %s:
- Produce fluent, natural prose in %s and nothing else; no words from the source language may remain except proper names.
- Preserve paragraph structure, names, and tone.
- Remove watermarks, site names, and advertising fragments embedded in the text.
- Never summarize and never add commentary.
Answer with the translated chapter text only.`

// Editor refines chapter text.
type Editor struct {
	client llm.Client
}

// New creates an editor over a completion client.
func New(client llm.Client) *Editor {
	return &Editor{client: client}
}

// Refine runs one chapter through the completion service. Exactly one
// attempt is made; remote failures come back tagged with the mode so the
// chapter's error record says which stage broke.
func (e *Editor) Refine(ctx context.Context, raw string, mode types.ProcessingMode, sourceLang, targetLang string) (string, error) {
	system, err := systemPrompt(mode, sourceLang, targetLang)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyInput
	}

	timer := logging.StartTimer(logging.CategoryEditor, fmt.Sprintf("refine %s %d chars", mode, len(raw)))
	defer timer.Stop()

	out, err := e.client.CompleteWithOptions(ctx, system, raw, llm.DefaultOptions())
	if err != nil {
		return "", fmt.Errorf("%s: %w", strings.ToLower(string(mode)), err)
	}

	refined := strings.TrimSpace(llm.StripCodeFences(out))
	if refined == "" {
		return "", fmt.Errorf("%s: service returned empty text", strings.ToLower(string(mode)))
	}
	return refined, nil
}

// RefineStream behaves like Refine but delivers text incrementally through
// onChunk when the client supports streaming. Clients without streaming get
// the full result as a single chunk. The returned string is always the
// complete refined text.
func (e *Editor) RefineStream(ctx context.Context, raw string, mode types.ProcessingMode, sourceLang, targetLang string, onChunk func(string)) (string, error) {
	streamer, ok := e.client.(llm.Streamer)
	if !ok {
		out, err := e.Refine(ctx, raw, mode, sourceLang, targetLang)
		if err != nil {
			return "", err
		}
		if onChunk != nil {
			onChunk(out)
		}
		return out, nil
	}

	system, err := systemPrompt(mode, sourceLang, targetLang)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyInput
	}

	out, err := streamer.CompleteStream(ctx, system, raw, llm.DefaultOptions(), onChunk)
	if err != nil {
		return "", fmt.Errorf("%s: %w", strings.ToLower(string(mode)), err)
	}
	refined := strings.TrimSpace(out)
	if refined == "" {
		return "", fmt.Errorf("%s: service returned empty text", strings.ToLower(string(mode)))
	}
	return refined, nil
}

func systemPrompt(mode types.ProcessingMode, sourceLang, targetLang string) (string, error) {
	switch mode {
	case types.ModeCleanup:
		return cleanupSystemPrompt, nil
	case types.ModeTranslation:
		src := languageName(sourceLang)
		dst := languageName(targetLang)
		return fmt.Sprintf(translateSystemPrompt, src, dst, dst), nil
	default:
		return "", fmt.Errorf("unknown processing mode: %s", mode)
	}
}

// languageName expands the common codes; anything unrecognized passes
// through, since the service copes with raw tags like "pt-BR".
func languageName(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "en":
		return "English"
	case "zh", "zh-cn", "zh-tw":
		return "Chinese"
	case "ja":
		return "Japanese"
	case "ko":
		return "Korean"
	case "es":
		return "Spanish"
	case "fr":
		return "French"
	case "de":
		return "German"
	case "ru":
		return "Russian"
	case "pt":
		return "Portuguese"
	case "id":
		return "Indonesian"
	case "th":
		return "Thai"
	case "vi":
		return "Vietnamese"
	case "":
		return "the source language"
	default:
		return code
	}
}
