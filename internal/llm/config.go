package llm

import (
	"fmt"
	"time"
)

// Provider names accepted by Config.Provider.
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Config holds LLM provider configuration.
type Config struct {
	// Provider selects the backend: openai (any OpenAI-compatible API),
	// gemini, anthropic or mock.
	Provider string
	BaseURL  string // openai only; empty uses the OpenAI endpoint
	APIKey   string
	Model    string // empty picks the provider default
	Retry    RetryConfig

	// Timeout bounds a single capability call, retries included.
	Timeout time.Duration
}

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// TranscriberConfig configures the Whisper-compatible speech-to-text
// endpoint.
type TranscriberConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string // ISO-639-1 hint; empty lets the service detect it
}

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderGemini:    "gemini-flash",
	ProviderAnthropic: "claude-haiku",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderOpenAI,
		Retry: RetryConfig{
			MaxAttempts: 3,
			InitialWait: 1 * time.Second,
			MaxWait:     10 * time.Second,
			Multiplier:  2.0,
		},
		Timeout: 60 * time.Second,
	}
}

// DefaultTranscriberConfig targets Groq's hosted Whisper.
func DefaultTranscriberConfig() TranscriberConfig {
	return TranscriberConfig{
		BaseURL: "https://api.groq.com/openai/v1",
		Model:   "whisper-large-v3",
	}
}

// Validate checks that the selected provider is known and has an API key.
// OpenAI-compatible servers reached through BaseURL may run without a key.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI:
		if c.APIKey == "" && c.BaseURL == "" {
			return fmt.Errorf("an API key is required for the openai provider")
		}
	case ProviderGemini, ProviderAnthropic:
		if c.APIKey == "" {
			return fmt.Errorf("an API key is required for the %s provider", c.Provider)
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown LLM provider: %q", c.Provider)
	}
	return nil
}

// ModelName returns the configured model, or the provider default.
func (c Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	return defaultModels[c.Provider]
}

// resolveModel maps a friendly model name to a provider model ID. Names not
// in the map are used as-is.
func resolveModel(name string, models map[string]string) string {
	if id, ok := models[name]; ok {
		return id
	}
	return name
}
