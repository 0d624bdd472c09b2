package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyAudio is returned for a zero-length recording.
var ErrEmptyAudio = errors.New("empty audio")

// Transcriber converts recorded answers to text through a Whisper-compatible
// /audio/transcriptions endpoint.
type Transcriber struct {
	client   *openai.Client
	model    string
	language string
	timeout  time.Duration
}

// NewTranscriber creates a Transcriber. A zero timeout leaves calls bounded
// only by the caller's context.
func NewTranscriber(cfg TranscriberConfig, timeout time.Duration) (*Transcriber, error) {
	if cfg.Model == "" {
		return nil, errors.New("transcription model is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Transcriber{
		client:   openai.NewClientWithConfig(config),
		model:    cfg.Model,
		language: cfg.Language,
		timeout:  timeout,
	}, nil
}

// Transcribe uploads one recorded answer and returns its text.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "answer.webm",
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
		Language: t.language,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", mapOpenAIError(err))
	}
	text := strings.TrimSpace(resp.Text)
	slog.Debug("audio transcribed", "bytes", len(audio), "latency_ms", time.Since(start).Milliseconds(), "chars", len(text))
	return text, nil
}
