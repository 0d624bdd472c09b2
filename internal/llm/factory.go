package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// NewProvider creates a Provider from configuration, wrapped so that
// callers go through retry, then logging, then the backend.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base Provider
	var err error
	switch cfg.Provider {
	case ProviderOpenAI:
		base, err = NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.ModelName())
	case ProviderGemini:
		base, err = NewGeminiProvider(ctx, cfg.APIKey, cfg.ModelName())
	case ProviderAnthropic:
		base, err = NewAnthropicProvider(cfg.APIKey, cfg.ModelName())
	case ProviderMock:
		return NewMockProvider(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	return WithRetry(WithLogging(base, logger), cfg.Retry), nil
}
