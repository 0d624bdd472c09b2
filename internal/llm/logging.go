package llm

import (
	"context"
	"log/slog"
	"time"
)

// LoggingProvider logs every request with its latency and token usage.
type LoggingProvider struct {
	inner  Provider
	logger *slog.Logger
}

// WithLogging wraps a Provider so each call is logged at debug level, or
// at warn level when it fails.
func WithLogging(p Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingProvider{inner: p, logger: logger}
}

func (l *LoggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := l.inner.Generate(ctx, req)

	attrs := []any{
		"model", l.inner.ModelID(),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if req.Schema != nil {
		attrs = append(attrs, "schema", req.Schema.Name)
	}
	if err != nil {
		l.logger.WarnContext(ctx, "LLM request failed", append(attrs, "error", err)...)
		return nil, err
	}
	attrs = append(attrs,
		"served_by", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop", resp.StopReason,
	)
	l.logger.DebugContext(ctx, "LLM request", attrs...)
	l.logger.DebugContext(ctx, "LLM response", "raw", string(resp.Content))
	return resp, nil
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}
