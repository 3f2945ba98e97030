package llm

import (
	"fmt"
	"time"

	"fable/internal/config"
)

// NewClientFromConfig builds a completion client from configuration.
func NewClientFromConfig(cfg config.LLMConfig, timeout time.Duration) (Client, error) {
	switch cfg.Provider {
	case "gemini":
		gc := DefaultGeminiConfig(cfg.APIKey)
		gc.Timeout = timeout
		if cfg.Model != "" {
			gc.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			gc.BaseURL = cfg.BaseURL
		}
		return NewGeminiClientWithConfig(gc), nil
	case "openai":
		oc := DefaultOpenAIConfig(cfg.APIKey)
		oc.Timeout = timeout
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		return NewOpenAIClientWithConfig(oc), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}
