package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/viva/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func lightChapter() model.Chapter {
	return model.Chapter{
		Name:    "Light",
		Grade:   8,
		Subject: "Science",
		Summary: "Reflection and refraction",
		Concepts: []model.Concept{
			{Name: "Reflection", Description: "Bouncing of light", SubConcepts: []model.SubConcept{
				{Name: "Laws of reflection", Examples: []string{"mirror"}, Distractors: []string{"refraction"}},
			}},
			{Name: "Refraction", Description: "Bending of light"},
		},
	}
}

func insertTestChapter(t *testing.T, s *Store, ch model.Chapter) {
	t.Helper()
	if err := s.UpsertChapter(context.Background(), ch); err != nil {
		t.Fatalf("UpsertChapter: %v", err)
	}
}

func TestChapterLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	count, err := s.ChapterCount(ctx)
	if err != nil {
		t.Fatalf("ChapterCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 chapters, got %d", count)
	}

	insertTestChapter(t, s, lightChapter())

	concepts, err := s.ConceptsForChapter(ctx, model.ChapterSelection{Chapter: "Light", Grade: 8, Subject: "Science"})
	if err != nil {
		t.Fatalf("ConceptsForChapter: %v", err)
	}
	if len(concepts) != 2 || concepts[0].Name != "Reflection" || concepts[1].Name != "Refraction" {
		t.Fatalf("unexpected concepts: %+v", concepts)
	}
	if got := concepts[0].SubConcepts[0].Distractors; len(got) != 1 || got[0] != "refraction" {
		t.Errorf("sub-concept distractors not round-tripped: %v", got)
	}

	// Name and subject match case-insensitively.
	if _, err := s.ConceptsForChapter(ctx, model.ChapterSelection{Chapter: "light", Grade: 8, Subject: "SCIENCE"}); err != nil {
		t.Errorf("case-insensitive lookup: %v", err)
	}
}

func TestChapterNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertTestChapter(t, s, lightChapter())

	tests := []struct {
		name string
		sel  model.ChapterSelection
	}{
		{"unknown chapter", model.ChapterSelection{Chapter: "Sound", Grade: 8, Subject: "Science"}},
		{"wrong grade", model.ChapterSelection{Chapter: "Light", Grade: 7, Subject: "Science"}},
		{"wrong subject", model.ChapterSelection{Chapter: "Light", Grade: 8, Subject: "Maths"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ConceptsForChapter(ctx, tt.sel)
			if !errors.Is(err, model.ErrChapterNotFound) {
				t.Errorf("expected ErrChapterNotFound, got %v", err)
			}
		})
	}

	empty := model.Chapter{Name: "Empty", Grade: 8, Subject: "Science"}
	insertTestChapter(t, s, empty)
	if _, err := s.ConceptsForChapter(ctx, model.ChapterSelection{Chapter: "Empty", Grade: 8, Subject: "Science"}); !errors.Is(err, model.ErrChapterNotFound) {
		t.Errorf("chapter without concepts: expected ErrChapterNotFound, got %v", err)
	}
}

func TestUpsertChapterReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertTestChapter(t, s, lightChapter())

	updated := lightChapter()
	updated.Concepts = updated.Concepts[:1]
	insertTestChapter(t, s, updated)

	count, _ := s.ChapterCount(ctx)
	if count != 1 {
		t.Fatalf("expected 1 chapter after upsert, got %d", count)
	}
	list, err := s.ListChapters(ctx)
	if err != nil {
		t.Fatalf("ListChapters: %v", err)
	}
	if len(list) != 1 || list[0].ConceptCount != 1 {
		t.Errorf("unexpected listing: %+v", list)
	}

	if err := s.UpsertChapter(ctx, model.Chapter{Name: "No grade", Subject: "Science"}); !errors.Is(err, model.ErrInvalidSelection) {
		t.Errorf("expected ErrInvalidSelection, got %v", err)
	}
}

func TestListChaptersOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertTestChapter(t, s, model.Chapter{Name: "Sound", Grade: 8, Subject: "Science", Concepts: []model.Concept{{Name: "Pitch"}}})
	insertTestChapter(t, s, model.Chapter{Name: "Fractions", Grade: 6, Subject: "Maths", Concepts: []model.Concept{{Name: "Halves"}}})
	insertTestChapter(t, s, lightChapter())

	list, err := s.ListChapters(ctx)
	if err != nil {
		t.Fatalf("ListChapters: %v", err)
	}
	var names []string
	for _, c := range list {
		names = append(names, c.Name)
	}
	want := []string{"Fractions", "Light", "Sound"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("got %v, want %v", names, want)
			break
		}
	}
}

func testReport(id string, started time.Time, subject string) *model.SessionReport {
	turn := func(n int, c, d, cl float64, cat model.ErrorCategory) model.TurnRecord {
		return model.TurnRecord{
			Turn: n, Question: "q" + id, Answer: "a" + id,
			Score: model.ScoreTriple{Correctness: c, Depth: d, Clarity: cl},
			Error: cat, Rationale: "because",
		}
	}
	return &model.SessionReport{
		ID:        id,
		Selection: model.ChapterSelection{Chapter: "Light", Grade: 8, Subject: subject},
		Scores: map[string]model.ScoreTriple{
			"Reflection": {Correctness: 5, Depth: 6, Clarity: 7},
			"Refraction": {},
		},
		Concepts: []model.ConceptResult{
			{
				Concept: "Reflection",
				Score:   model.ScoreTriple{Correctness: 5, Depth: 6, Clarity: 7},
				Turns:   []model.TurnRecord{turn(1, 4, 6, 7, model.ErrorFactual), turn(2, 6, 6, 7, model.ErrorNone)},
			},
			{Concept: "Refraction", Exited: true},
		},
		Feedback:   "Keep going",
		StartedAt:  started,
		FinishedAt: started.Add(5 * time.Minute),
	}
}

func TestSaveAndGetReport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.SaveReport(ctx, testReport("01HREPORT", started, "Science")); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	got, err := s.GetReport(ctx, "01HREPORT")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Selection.Chapter != "Light" || got.Selection.Grade != 8 {
		t.Errorf("selection = %+v", got.Selection)
	}
	if got.Feedback != "Keep going" {
		t.Errorf("feedback = %q", got.Feedback)
	}
	if !got.StartedAt.Equal(started) || !got.FinishedAt.Equal(started.Add(5*time.Minute)) {
		t.Errorf("times = %v .. %v", got.StartedAt, got.FinishedAt)
	}
	if len(got.Scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(got.Scores))
	}
	if got.Scores["Reflection"].Clarity != 7 {
		t.Errorf("Reflection score = %+v", got.Scores["Reflection"])
	}
	if len(got.Concepts) != 2 {
		t.Fatalf("expected 2 concepts, got %d", len(got.Concepts))
	}
	refl := got.Concepts[0]
	if len(refl.Turns) != 2 || refl.Turns[0].Error != model.ErrorFactual || refl.Turns[1].Turn != 2 {
		t.Errorf("turns = %+v", refl.Turns)
	}
	if !got.Concepts[1].Exited || len(got.Concepts[1].Turns) != 0 {
		t.Errorf("exited concept = %+v", got.Concepts[1])
	}

	if _, err := s.GetReport(ctx, "missing"); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}

func TestSaveReportDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := testReport("dup", time.Now(), "Science")
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := s.SaveReport(ctx, r); err == nil {
		t.Fatal("expected error for duplicate report ID")
	}
	list, _ := s.ListReports(ctx, 0)
	if len(list) != 1 {
		t.Errorf("failed save must not leave partial rows, got %d reports", len(list))
	}
}

func TestListReportsAndExport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, subj := range []string{"Science", "Maths", "Science"} {
		id := string(rune('a' + i))
		if err := s.SaveReport(ctx, testReport(id, base.Add(time.Duration(i)*time.Hour), subj)); err != nil {
			t.Fatalf("SaveReport %s: %v", id, err)
		}
	}

	list, err := s.ListReports(ctx, 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" || list[2].ID != "a" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list[0].Concepts != 2 {
		t.Errorf("concept count = %d, want 2", list[0].Concepts)
	}

	limited, _ := s.ListReports(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}

	all, err := s.ExportAllSessions(ctx, "")
	if err != nil {
		t.Fatalf("ExportAllSessions: %v", err)
	}
	if all.NumSessions != 3 || all.Sessions[0].ID != "a" {
		t.Errorf("export should hold all sessions oldest first, got %d starting %q", all.NumSessions, all.Sessions[0].ID)
	}

	sci, err := s.ExportAllSessions(ctx, "science")
	if err != nil {
		t.Fatalf("ExportAllSessions: %v", err)
	}
	if sci.NumSessions != 2 {
		t.Errorf("expected 2 science sessions, got %d", sci.NumSessions)
	}

	none, _ := s.ExportAllSessions(ctx, "History")
	if none.NumSessions != 0 || none.Sessions == nil {
		t.Errorf("empty export should have an empty, non-nil session list: %+v", none)
	}
}

func TestImportedFileHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hash, err := s.GetImportedFileHash(ctx, "/data/light.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "/data/light.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "/data/light.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "/data/light.json")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}

	// Import hashes share the metadata table without clashing with plain keys.
	if v, _ := s.GetMetadata(ctx, "/data/light.json"); v != "" {
		t.Errorf("plain key should be unset, got %q", v)
	}
}
