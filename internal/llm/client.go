package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/viva/internal/llm/prompts"
	"github.com/pavelanni/viva/internal/model"
)

const (
	questionSystem = "You are a viva examiner for school students. Reply with a single question."
	evalSystem     = "You are an examiner scoring oral answers. Reply only with the requested JSON object."
	feedbackSystem = "You are a mentor-teacher writing feedback for a student after a viva."
)

// evaluationSchema is the structured output requested from the evaluator.
// Score ranges are checked by the viva core rather than here so that every
// provider sees the same minimal keyword set.
var evaluationSchema = &Schema{
	Name:        "viva-evaluation",
	Description: "Scores and dominant error type for one viva answer",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"correctness": map[string]any{"type": "integer", "description": "1-10"},
			"depth":       map[string]any{"type": "integer", "description": "1-10"},
			"clarity":     map[string]any{"type": "integer", "description": "1-10"},
			"error_type":  map[string]any{"type": "string", "enum": errorTypeEnum()},
			"rationale":   map[string]any{"type": "string"},
		},
		"required":             []any{"correctness", "depth", "clarity", "error_type", "rationale"},
		"additionalProperties": false,
	},
}

func errorTypeEnum() []any {
	out := make([]any, len(model.ErrorCategories))
	for i, c := range model.ErrorCategories {
		out[i] = string(c)
	}
	return out
}

type evaluationOutput struct {
	Correctness float64 `json:"correctness"`
	Depth       float64 `json:"depth"`
	Clarity     float64 `json:"clarity"`
	ErrorType   string  `json:"error_type"`
	Rationale   string  `json:"rationale"`
}

// Client implements the viva question, evaluation and feedback
// capabilities on top of a Provider.
type Client struct {
	provider Provider
	prompts  *prompts.Set
	variant  prompts.PromptVariant
	timeout  time.Duration
}

// New creates a Client. A zero timeout leaves calls bounded only by the
// caller's context.
func New(p Provider, variant prompts.PromptVariant, timeout time.Duration) (*Client, error) {
	if p == nil {
		return nil, errors.New("llm provider is required")
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	set, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return &Client{provider: p, prompts: set, variant: variant, timeout: timeout}, nil
}

// ModelID returns the underlying provider's model.
func (c *Client) ModelID() string { return c.provider.ModelID() }

// GenerateQuestion asks for the next question on concept, steered by the
// directive from the previous turn.
func (c *Client) GenerateQuestion(ctx context.Context, concept model.Concept, prior []string, directive string) (string, error) {
	prompt, err := c.prompts.BuildQuestionPrompt(concept, prior, directive)
	if err != nil {
		return "", fmt.Errorf("build question prompt: %w", err)
	}
	resp, err := c.generate(ctx, Request{
		System:      questionSystem,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:   256,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("generate question: %w", err)
	}
	q := cleanQuestion(resp.Text())
	if q == "" {
		return "", &ErrInvalidResponse{Content: resp.Content, Err: errors.New("empty question")}
	}
	return q, nil
}

// Evaluate scores an answer. The error label is normalized to a
// model.ErrorCategory; an unknown label is an invalid response.
func (c *Client) Evaluate(ctx context.Context, question, answer string) (model.Evaluation, error) {
	prompt, err := c.prompts.BuildEvalPrompt(c.variant, question, answer)
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("build eval prompt: %w", err)
	}
	resp, err := c.generate(ctx, Request{
		System:      evalSystem,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		Schema:      evaluationSchema,
		MaxTokens:   512,
		Temperature: 0.1,
	})
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("evaluate answer: %w", err)
	}

	var out evaluationOutput
	if err := json.Unmarshal(resp.Content, &out); err != nil {
		return model.Evaluation{}, &ErrInvalidResponse{Content: resp.Content, Err: fmt.Errorf("decode evaluation: %w", err)}
	}
	category, err := model.ParseErrorCategory(out.ErrorType)
	if err != nil {
		return model.Evaluation{}, &ErrInvalidResponse{Content: resp.Content, Err: err}
	}
	return model.Evaluation{
		Score: model.ScoreTriple{
			Correctness: out.Correctness,
			Depth:       out.Depth,
			Clarity:     out.Clarity,
		},
		Error:     category,
		Rationale: strings.TrimSpace(out.Rationale),
	}, nil
}

// SynthesizeFeedback writes the end-of-session narrative.
func (c *Client) SynthesizeFeedback(ctx context.Context, results []model.ConceptResult) (string, error) {
	prompt, err := c.prompts.BuildFeedbackPrompt(results)
	if err != nil {
		return "", fmt.Errorf("build feedback prompt: %w", err)
	}
	resp, err := c.generate(ctx, Request{
		System:      feedbackSystem,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:   1500,
		Temperature: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("synthesize feedback: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (c *Client) generate(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.provider.Generate(ctx, req)
}

// cleanQuestion strips numbering and wrapping quotes models sometimes add.
func cleanQuestion(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.TrimLeft(s, "0123456789.) ")
	s = strings.TrimPrefix(s, "Question:")
	return strings.Trim(strings.TrimSpace(s), `"'`+"“”")
}
