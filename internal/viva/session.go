package viva

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/viva/internal/model"
)

// ExitSentinel is the answer a student gives to stop the current concept.
const ExitSentinel = "exit"

// State is a ConceptSession's position in the turn loop.
type State int

const (
	StateAwaitingQuestion State = iota
	StateAwaitingAnswer
	StateEvaluating
	StateDeciding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingQuestion:
		return "awaiting_question"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateEvaluating:
		return "evaluating"
	case StateDeciding:
		return "deciding"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsExit reports whether an answer asks to stop. Case and surrounding
// punctuation are ignored, so a transcribed "Exit." counts.
func IsExit(answer string) bool {
	a := strings.Trim(strings.TrimSpace(answer), ".!?,;: \"'")
	return strings.EqualFold(a, ExitSentinel)
}

// ConceptSession drives the turn loop for a single concept. It owns its
// state exclusively and is discarded once Run returns.
type ConceptSession struct {
	concept   model.Concept
	deps      Dependencies
	policy    *Policy
	transport Transport

	state     State
	turnCount int
	directive Directive
	score     model.ScoreTriple
	memory    []model.TurnRecord
	exited    bool

	// Current turn.
	question   string
	answer     string
	evaluation model.Evaluation
}

// NewConceptSession returns a session in StateAwaitingQuestion at turn 1.
func NewConceptSession(concept model.Concept, deps Dependencies, policy *Policy, transport Transport) *ConceptSession {
	return &ConceptSession{
		concept:   concept,
		deps:      deps,
		policy:    policy,
		transport: transport,
		state:     StateAwaitingQuestion,
		turnCount: 1,
		directive: DirectiveNone,
	}
}

// State returns the current state.
func (s *ConceptSession) State() State { return s.state }

// TurnCount returns the number of the turn in progress.
func (s *ConceptSession) TurnCount() int { return s.turnCount }

// Run loops turns until the policy advances, the student exits or the
// hard cap is exceeded.
func (s *ConceptSession) Run(ctx context.Context) (model.ConceptResult, error) {
	for s.state != StateTerminated {
		if err := ctx.Err(); err != nil {
			return model.ConceptResult{}, err
		}
		var err error
		switch s.state {
		case StateAwaitingQuestion:
			err = s.ask(ctx)
		case StateAwaitingAnswer:
			err = s.await(ctx)
		case StateEvaluating:
			err = s.evaluate(ctx)
		case StateDeciding:
			err = s.decide()
		default:
			err = fmt.Errorf("unexpected state %s", s.state)
		}
		if err != nil {
			return model.ConceptResult{}, fmt.Errorf("concept %q turn %d (%s): %w", s.concept.Name, s.turnCount, s.state, err)
		}
	}
	return s.Result(), nil
}

// Result copies the score and transcript out of the session.
func (s *ConceptSession) Result() model.ConceptResult {
	return model.ConceptResult{
		Concept: s.concept.Name,
		Score:   s.score,
		Turns:   append([]model.TurnRecord(nil), s.memory...),
		Exited:  s.exited,
	}
}

func (s *ConceptSession) ask(ctx context.Context) error {
	prior := make([]string, len(s.memory))
	for i, t := range s.memory {
		prior[i] = t.Summary()
	}
	q, err := s.deps.Questions.GenerateQuestion(ctx, s.concept, prior, string(s.directive))
	if err != nil {
		return fmt.Errorf("generate question: %w", err)
	}
	if err := s.transport.SendQuestion(ctx, q); err != nil {
		return fmt.Errorf("send question: %w", err)
	}
	slog.Debug("question sent", "concept", s.concept.Name, "turn", s.turnCount, "directive", s.directive)
	s.question = q
	s.state = StateAwaitingAnswer
	return nil
}

func (s *ConceptSession) await(ctx context.Context) error {
	raw, err := s.transport.ReceiveAnswer(ctx)
	if errors.Is(err, ErrAnswerTimeout) {
		slog.Info("answer wait expired, leaving concept", "concept", s.concept.Name, "turn", s.turnCount)
		s.terminate(true)
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive answer: %w", err)
	}

	text := raw.Text
	if raw.IsAudio() {
		text, err = s.transcribe(ctx, raw.Audio)
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
	}
	if IsExit(text) {
		slog.Info("student exited concept", "concept", s.concept.Name, "turn", s.turnCount)
		s.terminate(true)
		return nil
	}
	s.answer = text
	s.state = StateEvaluating
	return nil
}

// transcribe runs the transcriber on its own goroutine and waits for it, so
// a slow decode never lets the next question go out first.
func (s *ConceptSession) transcribe(ctx context.Context, audio []byte) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := s.deps.Transcriber.Transcribe(ctx, audio)
		done <- result{text, err}
	}()
	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *ConceptSession) evaluate(ctx context.Context) error {
	ev, err := s.deps.Evaluator.Evaluate(ctx, s.question, s.answer)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if err := ev.Score.Validate(); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if !ev.Error.Valid() {
		return fmt.Errorf("evaluate: %w: %q", ErrUnknownCategory, ev.Error)
	}
	s.evaluation = ev
	s.score = RunningMean(s.score, s.turnCount, ev.Score)
	s.memory = append(s.memory, model.TurnRecord{
		Turn:      s.turnCount,
		Question:  s.question,
		Answer:    s.answer,
		Score:     ev.Score,
		Error:     ev.Error,
		Rationale: ev.Rationale,
	})
	if err := s.transport.SendInterim(ctx, ev.Rationale); err != nil {
		return fmt.Errorf("send interim: %w", err)
	}
	s.state = StateDeciding
	return nil
}

func (s *ConceptSession) decide() error {
	d, rule, err := s.policy.Trace(Input{
		Error:     s.evaluation.Error,
		Scores:    s.score,
		TurnCount: s.turnCount,
	})
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	slog.Info("turn evaluated",
		"concept", s.concept.Name,
		"turn", s.turnCount,
		"error_type", s.evaluation.Error,
		"correctness", s.score.Correctness,
		"depth", s.score.Depth,
		"clarity", s.score.Clarity,
		"rule", rule,
	)
	s.directive = d
	s.turnCount++
	if d.Terminal() || s.turnCount > s.policy.HardCap {
		s.terminate(false)
		return nil
	}
	s.state = StateAwaitingQuestion
	return nil
}

func (s *ConceptSession) terminate(exited bool) {
	s.exited = exited
	s.state = StateTerminated
	s.question, s.answer = "", ""
	s.evaluation = model.Evaluation{}
}
