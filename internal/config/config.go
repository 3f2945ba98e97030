// Package config loads fable configuration from YAML with environment
// variable overrides for credentials and paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fable configuration.
type Config struct {
	// LLM completion service
	LLM LLMConfig `yaml:"llm"`

	// Headless browser
	Browser BrowserConfig `yaml:"browser"`

	// Persistent storage
	Storage StorageConfig `yaml:"storage"`

	// Prefetch scheduler
	Prefetch PrefetchConfig `yaml:"prefetch"`

	// Reader defaults
	Reader ReaderConfig `yaml:"reader"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the completion service boundary.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, openai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// BrowserConfig configures the shared rendering session.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	Bin                 string `yaml:"bin"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	SettleGraceMs       int    `yaml:"settle_grace_ms"`
	MutationTimeoutMs   int    `yaml:"mutation_timeout_ms"`
	FixedDelayMs        int    `yaml:"fixed_delay_ms"`
	UserAgent           string `yaml:"user_agent"`
}

// StorageConfig configures the SQLite record store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// PrefetchConfig configures the look-ahead scheduler.
type PrefetchConfig struct {
	PollInterval     string `yaml:"poll_interval"`
	RequestsPerMin   int    `yaml:"requests_per_minute"`
	BatchSize        int    `yaml:"batch_size"`
	DefaultLookAhead int    `yaml:"default_look_ahead"`
}

// ReaderConfig holds per-user reading defaults.
type ReaderConfig struct {
	SourceLang string `yaml:"source_lang"`
	TargetLang string `yaml:"target_lang"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// MobileUserAgent mimics a common mobile browser to pass basic bot filtering.
const MobileUserAgent = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.6367.82 Mobile Safari/537.36"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "",
			Timeout:  "5m",
		},
		Browser: BrowserConfig{
			Headless:            true,
			NavigationTimeoutMs: 30000,
			SettleGraceMs:       1500,
			MutationTimeoutMs:   8000,
			FixedDelayMs:        2500,
			UserAgent:           MobileUserAgent,
		},
		Storage: StorageConfig{
			DatabasePath: "data/fable.db",
		},
		Prefetch: PrefetchConfig{
			PollInterval:     "15s",
			RequestsPerMin:   20,
			BatchSize:        3,
			DefaultLookAhead: 5,
		},
		Reader: ReaderConfig{
			SourceLang: "en",
			TargetLang: "en",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if model := os.Getenv("FABLE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if url := os.Getenv("FABLE_LLM_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if path := os.Getenv("FABLE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if bin := os.Getenv("FABLE_CHROME_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
}

// GetLLMTimeout returns the completion timeout as a duration. Large chapters
// can take minutes, so the fallback is generous.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetPollInterval returns the scheduler idle poll interval.
func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Prefetch.PollInterval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// NavigationTimeout returns the page-load timeout.
func (c *Config) NavigationTimeout() time.Duration {
	return c.Browser.NavigationTimeout()
}

// NavigationTimeout returns the page-load timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// SettleGrace is the quiet period after load before a page counts as settled.
func (c BrowserConfig) SettleGrace() time.Duration {
	if c.SettleGraceMs <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.SettleGraceMs) * time.Millisecond
}

// MutationTimeout bounds how long a mutation wait may block.
func (c BrowserConfig) MutationTimeout() time.Duration {
	if c.MutationTimeoutMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.MutationTimeoutMs) * time.Millisecond
}

// FixedDelay is the unconditional settle pause for fixed-timeout pages.
func (c BrowserConfig) FixedDelay() time.Duration {
	if c.FixedDelayMs <= 0 {
		return 2500 * time.Millisecond
	}
	return time.Duration(c.FixedDelayMs) * time.Millisecond
}

// ClampLookAhead bounds a user-supplied look-ahead limit to [1, 10].
func ClampLookAhead(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// Validate checks that required settings are present. Credentials are only
// checked for presence, not correctness.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or OPENAI_API_KEY)")
	}
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("invalid LLM provider: %s (valid: gemini, openai)", c.LLM.Provider)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database_path not configured")
	}
	return nil
}
