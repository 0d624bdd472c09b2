package viva

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pavelanni/viva/internal/model"
)

type fakeLookup map[string][]model.Concept

func (f fakeLookup) ConceptsForChapter(_ context.Context, sel model.ChapterSelection) ([]model.Concept, error) {
	cs, ok := f[sel.Chapter]
	if !ok {
		return nil, model.ErrChapterNotFound
	}
	return cs, nil
}

type questionCall struct {
	concept   string
	prior     []string
	directive string
}

type fakeQuestions struct {
	mu    sync.Mutex
	calls []questionCall
	err   error
}

func (f *fakeQuestions) GenerateQuestion(_ context.Context, c model.Concept, prior []string, directive string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, questionCall{c.Name, prior, directive})
	return fmt.Sprintf("question %d on %s", len(f.calls), c.Name), nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type fakeEvaluator struct {
	mu      sync.Mutex
	results []model.Evaluation
	err     error
	calls   int
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _, _ string) (model.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return model.Evaluation{}, f.err
	}
	if len(f.results) == 0 {
		return model.Evaluation{}, errors.New("no scripted evaluation")
	}
	ev := f.results[0]
	f.results = f.results[1:]
	return ev, nil
}

type fakeFeedback struct {
	got []model.ConceptResult
	err error
}

func (f *fakeFeedback) SynthesizeFeedback(_ context.Context, results []model.ConceptResult) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.got = results
	return "keep practising", nil
}

type scriptedAnswer struct {
	answer Answer
	err    error
}

type fakeTransport struct {
	answers   []scriptedAnswer
	questions []string
	interims  []string
}

func (f *fakeTransport) SendQuestion(_ context.Context, q string) error {
	f.questions = append(f.questions, q)
	return nil
}

func (f *fakeTransport) ReceiveAnswer(_ context.Context) (Answer, error) {
	if len(f.answers) == 0 {
		return Answer{}, ErrDisconnected
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a.answer, a.err
}

func (f *fakeTransport) SendInterim(_ context.Context, rationale string) error {
	f.interims = append(f.interims, rationale)
	return nil
}

func textAnswers(texts ...string) []scriptedAnswer {
	out := make([]scriptedAnswer, len(texts))
	for i, t := range texts {
		out[i] = scriptedAnswer{answer: Answer{Text: t}}
	}
	return out
}

func eval(c, d, cl float64, cat model.ErrorCategory) model.Evaluation {
	return model.Evaluation{
		Score:     model.ScoreTriple{Correctness: c, Depth: d, Clarity: cl},
		Error:     cat,
		Rationale: fmt.Sprintf("%s answer", cat),
	}
}

func testDeps(ev *fakeEvaluator) (Dependencies, *fakeQuestions, *fakeTranscriber, *fakeFeedback) {
	q := &fakeQuestions{}
	tr := &fakeTranscriber{text: "transcribed answer"}
	fb := &fakeFeedback{}
	return Dependencies{
		Chapters:    fakeLookup{},
		Questions:   q,
		Transcriber: tr,
		Evaluator:   ev,
		Feedback:    fb,
	}, q, tr, fb
}
