// Package viva runs adaptive oral examinations: one concept session per
// syllabus concept, each a bounded question-answer-evaluate loop steered by
// a next-step policy, followed by session-level feedback synthesis.
package viva

import (
	"context"
	"errors"

	"github.com/pavelanni/viva/internal/model"
)

// ErrDisconnected is returned by a Transport once the client has gone away.
var ErrDisconnected = errors.New("client disconnected")

// ErrAnswerTimeout is returned by a Transport when no answer arrived in time.
// A session treats it like the student asking to stop.
var ErrAnswerTimeout = errors.New("answer wait expired")

// ChapterLookup resolves a chapter selection to its ordered concepts.
// It returns model.ErrChapterNotFound when nothing matches.
type ChapterLookup interface {
	ConceptsForChapter(ctx context.Context, sel model.ChapterSelection) ([]model.Concept, error)
}

// QuestionGenerator produces the next viva question for a concept.
type QuestionGenerator interface {
	GenerateQuestion(ctx context.Context, concept model.Concept, prior []string, directive string) (string, error)
}

// Transcriber converts a recorded answer to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Evaluator scores an answer to a question.
type Evaluator interface {
	Evaluate(ctx context.Context, question, answer string) (model.Evaluation, error)
}

// FeedbackSynthesizer writes the end-of-session narrative from every
// concept's transcript.
type FeedbackSynthesizer interface {
	SynthesizeFeedback(ctx context.Context, results []model.ConceptResult) (string, error)
}

// Answer is a raw answer from the student: either recorded audio or text.
type Answer struct {
	Text  string
	Audio []byte
}

// IsAudio reports whether the answer needs transcription.
func (a Answer) IsAudio() bool { return a.Audio != nil }

// Transport is the per-turn view of the duplex channel to the student.
type Transport interface {
	SendQuestion(ctx context.Context, question string) error
	ReceiveAnswer(ctx context.Context) (Answer, error)
	SendInterim(ctx context.Context, rationale string) error
}

// Dependencies are the external capabilities an Orchestrator drives.
type Dependencies struct {
	Chapters    ChapterLookup
	Questions   QuestionGenerator
	Transcriber Transcriber
	Evaluator   Evaluator
	Feedback    FeedbackSynthesizer
}

func (d Dependencies) validate() error {
	switch {
	case d.Chapters == nil:
		return errors.New("chapter lookup is required")
	case d.Questions == nil:
		return errors.New("question generator is required")
	case d.Transcriber == nil:
		return errors.New("transcriber is required")
	case d.Evaluator == nil:
		return errors.New("evaluator is required")
	case d.Feedback == nil:
		return errors.New("feedback synthesizer is required")
	}
	return nil
}
