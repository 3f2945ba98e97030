// Package llm provides the completion-service boundary: text in, text out,
// fails with network/quota errors. No retries happen inside this boundary;
// callers decide whether a failure is worth another attempt.
package llm

import (
	"context"
	"strings"
)

// Options tunes a single completion call.
type Options struct {
	MaxTokens   int
	Temperature float64
	// JSONOutput requests strict structured output where the provider
	// supports it (Gemini response MIME type). Prompts still instruct
	// JSON-only output for providers that do not.
	JSONOutput bool
}

// DefaultOptions are suitable for long-form chapter text.
func DefaultOptions() Options {
	return Options{MaxTokens: 8192, Temperature: 0.3}
}

// StructuredOptions are suitable for selector/blueprint inference, where the
// result must parse.
func StructuredOptions() Options {
	return Options{MaxTokens: 2048, Temperature: 0.1, JSONOutput: true}
}

// Client defines the interface for completion providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteWithOptions(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)
}

// Streamer is implemented by clients that can deliver a completion
// incrementally. The full concatenated text is returned after the last chunk.
type Streamer interface {
	CompleteStream(ctx context.Context, systemPrompt, userPrompt string, opts Options, onChunk func(string)) (string, error)
}

// StripCodeFences removes a surrounding markdown code fence from a model
// response. Models wrap JSON in ```json fences even when told not to.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "html", ...).
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
