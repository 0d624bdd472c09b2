package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/viva/internal/model"

	_ "modernc.org/sqlite"
)

// ErrReportNotFound is returned by GetReport for an unknown ID.
var ErrReportNotFound = errors.New("report not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chapters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chapter TEXT NOT NULL COLLATE NOCASE,
		grade INTEGER NOT NULL,
		subject TEXT NOT NULL COLLATE NOCASE,
		summary TEXT NOT NULL DEFAULT '',
		concepts TEXT NOT NULL DEFAULT '[]',
		UNIQUE (chapter, grade, subject)
	);

	CREATE TABLE IF NOT EXISTS viva_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS viva_sessions (
		id TEXT PRIMARY KEY,
		chapter TEXT NOT NULL,
		grade INTEGER NOT NULL,
		subject TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS concept_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		concept TEXT NOT NULL,
		correctness REAL NOT NULL DEFAULT 0,
		depth REAL NOT NULL DEFAULT 0,
		clarity REAL NOT NULL DEFAULT 0,
		exited INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES viva_sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		concept_result_id INTEGER NOT NULL,
		turn INTEGER NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		correctness REAL NOT NULL,
		depth REAL NOT NULL,
		clarity REAL NOT NULL,
		error_type TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (concept_result_id) REFERENCES concept_results(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_concept_results_session ON concept_results(session_id, position);
	CREATE INDEX IF NOT EXISTS idx_turns_result ON turns(concept_result_id, turn);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertChapter stores a syllabus chapter, replacing the concepts of an
// existing chapter with the same name, grade and subject.
func (s *Store) UpsertChapter(ctx context.Context, ch model.Chapter) error {
	sel := model.ChapterSelection{Chapter: ch.Name, Grade: ch.Grade, Subject: ch.Subject}
	if err := sel.Validate(); err != nil {
		return err
	}
	concepts, err := json.Marshal(ch.Concepts)
	if err != nil {
		return fmt.Errorf("marshal concepts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chapters (chapter, grade, subject, summary, concepts) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chapter, grade, subject) DO UPDATE SET summary = excluded.summary, concepts = excluded.concepts`,
		strings.TrimSpace(ch.Name), ch.Grade, strings.TrimSpace(ch.Subject), ch.Summary, string(concepts),
	)
	return err
}

// ConceptsForChapter returns the ordered concepts of the selected chapter.
// Chapter and subject match case-insensitively. A missing chapter, or one
// with no concepts, is model.ErrChapterNotFound.
func (s *Store) ConceptsForChapter(ctx context.Context, sel model.ChapterSelection) ([]model.Concept, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT concepts FROM chapters WHERE chapter = ? AND grade = ? AND subject = ?`,
		strings.TrimSpace(sel.Chapter), sel.Grade, strings.TrimSpace(sel.Subject),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q grade %d %s", model.ErrChapterNotFound, sel.Chapter, sel.Grade, sel.Subject)
	}
	if err != nil {
		return nil, err
	}
	var concepts []model.Concept
	if err := json.Unmarshal([]byte(raw), &concepts); err != nil {
		return nil, fmt.Errorf("decode concepts: %w", err)
	}
	if len(concepts) == 0 {
		return nil, fmt.Errorf("%w: %q has no concepts", model.ErrChapterNotFound, sel.Chapter)
	}
	return concepts, nil
}

// ListChapters returns every chapter, ordered by subject, grade and name.
func (s *Store) ListChapters(ctx context.Context) ([]model.ChapterSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chapter, grade, subject, json_array_length(concepts) FROM chapters ORDER BY subject, grade, chapter`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ChapterSummary
	for rows.Next() {
		var c model.ChapterSummary
		if err := rows.Scan(&c.Name, &c.Grade, &c.Subject, &c.ConceptCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChapterCount returns the number of chapters in the database.
func (s *Store) ChapterCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters`).Scan(&count)
	return count, err
}
