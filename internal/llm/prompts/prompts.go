package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/viva/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

const maxAnswerRunes = 10000

var funcs = template.FuncMap{"join": strings.Join}

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant represents an evaluation prompt variant.
type PromptVariant string

const (
	// PromptStrict scores harshly; 9 and 10 need precise terminology.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default evaluation variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient credits partially correct ideas.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// QuestionData holds template data for question generation.
type QuestionData struct {
	Concept   model.Concept
	Prior     []string
	Directive string
}

// EvalData holds template data for evaluation prompts.
type EvalData struct {
	Question string
	Answer   string
}

// FeedbackData holds template data for the session feedback prompt.
type FeedbackData struct {
	Results []model.ConceptResult
}

// Set is a parsed collection of prompt templates.
type Set struct {
	question *template.Template
	feedback *template.Template
	eval     map[PromptVariant]*template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the templates compiled into the binary.
// They are parsed once per process.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(templateFS)
	})
	return defaultSet, defaultErr
}

// Load parses prompt templates from fsys, which must contain a templates/
// directory with question.txt, feedback.txt and one eval_<variant>.txt per
// variant.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{eval: make(map[PromptVariant]*template.Template)}

	var err error
	if s.question, err = parseFile(fsys, "question"); err != nil {
		return nil, err
	}
	if s.feedback, err = parseFile(fsys, "feedback"); err != nil {
		return nil, err
	}
	for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
		tmpl, err := parseFile(fsys, "eval_"+string(v))
		if err != nil {
			return nil, err
		}
		s.eval[v] = tmpl
	}
	return s, nil
}

func parseFile(fsys fs.FS, name string) (*template.Template, error) {
	file := "templates/" + name + ".txt"
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", file, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", file, err)
	}
	return tmpl, nil
}

// BuildQuestionPrompt renders the question-generation prompt. The "none"
// directive used before the first turn is omitted.
func (s *Set) BuildQuestionPrompt(concept model.Concept, prior []string, directive string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(directive), "none") {
		directive = ""
	}
	return execute(s.question, QuestionData{
		Concept:   concept,
		Prior:     prior,
		Directive: directive,
	})
}

// BuildEvalPrompt renders an evaluation prompt using the specified variant.
func (s *Set) BuildEvalPrompt(variant PromptVariant, question, answer string) (string, error) {
	tmpl, ok := s.eval[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	return execute(tmpl, EvalData{
		Question: question,
		Answer:   sanitizeAnswer(answer),
	})
}

// BuildFeedbackPrompt renders the session feedback prompt over every
// concept's transcript.
func (s *Set) BuildFeedbackPrompt(results []model.ConceptResult) (string, error) {
	clean := make([]model.ConceptResult, len(results))
	for i, r := range results {
		clean[i] = r
		clean[i].Turns = make([]model.TurnRecord, len(r.Turns))
		for j, t := range r.Turns {
			t.Answer = sanitizeAnswer(t.Answer)
			clean[i].Turns[j] = t
		}
	}
	return execute(s.feedback, FeedbackData{Results: clean})
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
