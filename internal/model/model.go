package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrChapterNotFound is returned when a chapter selection matches no
	// concepts in the syllabus.
	ErrChapterNotFound = errors.New("chapter not found")
	// ErrInvalidSelection is returned for a malformed chapter selection.
	ErrInvalidSelection = errors.New("invalid chapter selection")
)

// SubConcept is one examinable part of a concept.
type SubConcept struct {
	Name        string   `json:"sub_concept_name"`
	Description string   `json:"description"`
	Examples    []string `json:"examples"`
	// Distractors are ideas commonly confused with this sub-concept.
	Distractors []string `json:"distractor"`
}

// Concept is an examinable syllabus unit. Concepts are read-only once loaded.
type Concept struct {
	Name        string       `json:"concept_name"`
	Description string       `json:"description"`
	SubConcepts []SubConcept `json:"sub_concepts,omitempty"`
}

// Chapter is a syllabus chapter as imported from JSON.
type Chapter struct {
	Name     string    `json:"chapter_name"`
	Grade    int       `json:"grade"`
	Subject  string    `json:"subject"`
	Summary  string    `json:"summary,omitempty"`
	Concepts []Concept `json:"concepts"`
}

// ChapterSummary is a chapter listing entry without the concept bodies.
type ChapterSummary struct {
	Name         string `json:"chapter"`
	Grade        int    `json:"grade"`
	Subject      string `json:"subject"`
	ConceptCount int    `json:"concept_count"`
}

// ChapterSelection is the client's request to start a viva on a chapter.
type ChapterSelection struct {
	Chapter string `json:"chapter"`
	Grade   int    `json:"grade"`
	Subject string `json:"subject"`
}

// Validate reports whether the selection names a chapter, subject and grade.
func (s ChapterSelection) Validate() error {
	switch {
	case strings.TrimSpace(s.Chapter) == "":
		return fmt.Errorf("%w: chapter is required", ErrInvalidSelection)
	case strings.TrimSpace(s.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidSelection)
	case s.Grade <= 0:
		return fmt.Errorf("%w: grade must be positive", ErrInvalidSelection)
	}
	return nil
}

// Score bounds for a single evaluated turn.
const (
	MinScore = 1
	MaxScore = 10
)

// ScoreTriple holds correctness, depth and clarity scores.
// The zero value means no turn has been scored yet.
type ScoreTriple struct {
	Correctness float64 `json:"correctness"`
	Depth       float64 `json:"depth"`
	Clarity     float64 `json:"clarity"`
}

// Scored reports whether any turn has contributed to the triple.
func (s ScoreTriple) Scored() bool {
	return s.Correctness != 0 || s.Depth != 0 || s.Clarity != 0
}

// Validate checks that every field is within [MinScore, MaxScore].
func (s ScoreTriple) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"correctness", s.Correctness},
		{"depth", s.Depth},
		{"clarity", s.Clarity},
	}
	for _, f := range fields {
		if f.v < MinScore || f.v > MaxScore {
			return fmt.Errorf("%s score %.2f out of range [%d, %d]", f.name, f.v, MinScore, MaxScore)
		}
	}
	return nil
}

// ErrorCategory is the dominant defect class found in an answer.
type ErrorCategory string

const (
	ErrorConceptual    ErrorCategory = "conceptual"
	ErrorProcedural    ErrorCategory = "procedural"
	ErrorFactual       ErrorCategory = "factual"
	ErrorApplication   ErrorCategory = "application"
	ErrorReasoning     ErrorCategory = "reasoning"
	ErrorCommunication ErrorCategory = "communication"
	ErrorMetacognitive ErrorCategory = "metacognitive"
	ErrorNone          ErrorCategory = "no_error"
)

// ErrorCategories lists every valid category in a stable order.
var ErrorCategories = []ErrorCategory{
	ErrorConceptual,
	ErrorProcedural,
	ErrorFactual,
	ErrorApplication,
	ErrorReasoning,
	ErrorCommunication,
	ErrorMetacognitive,
	ErrorNone,
}

var errorCategoryAliases = map[string]ErrorCategory{
	"communication/articulation": ErrorCommunication,
	"articulation":               ErrorCommunication,
	"no error":                   ErrorNone,
	"no-error":                   ErrorNone,
	"no mistake":                 ErrorNone,
	"none":                       ErrorNone,
}

// Valid reports whether c is one of the known categories.
func (c ErrorCategory) Valid() bool {
	for _, k := range ErrorCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseErrorCategory maps an evaluator label to a category.
// Unknown labels are an error rather than a default.
func ParseErrorCategory(s string) (ErrorCategory, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if c := ErrorCategory(norm); c.Valid() {
		return c, nil
	}
	if c, ok := errorCategoryAliases[norm]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown error category %q", s)
}

// Evaluation is the result of scoring one answer.
type Evaluation struct {
	Score     ScoreTriple   `json:"score"`
	Error     ErrorCategory `json:"error_type"`
	Rationale string        `json:"rationale"`
}

// TurnRecord is an immutable log entry for one question-answer cycle.
type TurnRecord struct {
	Turn      int           `json:"turn"`
	Question  string        `json:"question"`
	Answer    string        `json:"answer"`
	Score     ScoreTriple   `json:"score"`
	Error     ErrorCategory `json:"error_type"`
	Rationale string        `json:"rationale,omitempty"`
}

// Summary renders the turn as a single line for prompt context.
func (t TurnRecord) Summary() string {
	return fmt.Sprintf("Q: %s A: %s [correctness %.0f, depth %.0f, clarity %.0f / %s]",
		t.Question, t.Answer, t.Score.Correctness, t.Score.Depth, t.Score.Clarity, t.Error)
}

// ConceptResult is what a finished concept session hands to the orchestrator.
type ConceptResult struct {
	Concept string       `json:"concept"`
	Score   ScoreTriple  `json:"score"`
	Turns   []TurnRecord `json:"turns"`
	// Exited is set when the student asked to stop or the answer wait expired.
	Exited bool `json:"exited,omitempty"`
}

// SessionReport is produced once per completed viva.
type SessionReport struct {
	ID         string                 `json:"id"`
	Selection  ChapterSelection       `json:"selection"`
	Scores     map[string]ScoreTriple `json:"scores"`
	Concepts   []ConceptResult        `json:"concepts"`
	Feedback   string                 `json:"feedback"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// SessionSummary is a listing entry for stored reports.
type SessionSummary struct {
	ID         string           `json:"id"`
	Selection  ChapterSelection `json:"selection"`
	Concepts   int              `json:"concepts"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// VivaConfig holds runtime viva parameters set via CLI flags.
type VivaConfig struct {
	MaxTurns        int           // hard cap on turns per concept
	AnswerTimeout   time.Duration // 0 disables the bound
	PromptVariant   string        // evaluation prompt variant (strict, standard, lenient)
	Lang            string        // default language for student-facing messages
	BasePath        string        // URL prefix for sub-path deployments
	AllowedOrigins  []string      // empty allows any origin
	MaxMessageBytes int64         // read limit per WebSocket frame
}
