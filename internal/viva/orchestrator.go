package viva

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pavelanni/viva/internal/model"
)

// Orchestrator sequences concept sessions across a chapter and assembles
// the session report. It is safe for concurrent use by different
// connections; all per-viva state lives on the Run call stack.
type Orchestrator struct {
	deps   Dependencies
	policy *Policy
	now    func() time.Time
}

// New creates an Orchestrator from injected capabilities.
func New(deps Dependencies, cfg model.VivaConfig) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		deps:   deps,
		policy: NewPolicy(cfg.MaxTurns),
		now:    time.Now,
	}, nil
}

// Policy returns the next-step policy sessions are run with.
func (o *Orchestrator) Policy() *Policy { return o.policy }

// RunChapter validates the selection, looks up its concepts and runs them.
func (o *Orchestrator) RunChapter(ctx context.Context, sel model.ChapterSelection, t Transport) (*model.SessionReport, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	concepts, err := o.deps.Chapters.ConceptsForChapter(ctx, sel)
	if err != nil {
		return nil, err
	}
	report, err := o.Run(ctx, concepts, t)
	if err != nil {
		return nil, err
	}
	report.Selection = sel
	return report, nil
}

// Run executes one concept session per concept, in order, then synthesizes
// feedback over every transcript. An empty concept list is reported as
// model.ErrChapterNotFound rather than an empty viva.
func (o *Orchestrator) Run(ctx context.Context, concepts []model.Concept, t Transport) (*model.SessionReport, error) {
	if len(concepts) == 0 {
		return nil, model.ErrChapterNotFound
	}
	started := o.now()

	results := make([]model.ConceptResult, 0, len(concepts))
	for i, c := range concepts {
		slog.Info("starting concept", "concept", c.Name, "index", i+1, "of", len(concepts))
		sess := NewConceptSession(c, o.deps, o.policy, t)
		res, err := sess.Run(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	scores := make(map[string]model.ScoreTriple, len(results))
	for _, r := range results {
		if _, dup := scores[r.Concept]; dup {
			slog.Warn("duplicate concept name, later score wins", "concept", r.Concept)
		}
		scores[r.Concept] = r.Score
	}

	feedback, err := o.deps.Feedback.SynthesizeFeedback(ctx, results)
	if err != nil {
		return nil, fmt.Errorf("synthesize feedback: %w", err)
	}

	return &model.SessionReport{
		ID:         ulid.Make().String(),
		Scores:     scores,
		Concepts:   results,
		Feedback:   feedback,
		StartedAt:  started,
		FinishedAt: o.now(),
	}, nil
}
