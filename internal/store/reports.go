package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/viva/internal/model"
)

// SaveReport stores a completed viva with every concept result and turn.
func (s *Store) SaveReport(ctx context.Context, r *model.SessionReport) error {
	if r == nil || r.ID == "" {
		return errors.New("report ID is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO viva_sessions (id, chapter, grade, subject, feedback, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Selection.Chapter, r.Selection.Grade, r.Selection.Subject, r.Feedback, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, c := range r.Concepts {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO concept_results (session_id, position, concept, correctness, depth, clarity, exited) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, c.Concept, c.Score.Correctness, c.Score.Depth, c.Score.Clarity, c.Exited,
		)
		if err != nil {
			return fmt.Errorf("insert concept %q: %w", c.Concept, err)
		}
		resultID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, t := range c.Turns {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO turns (concept_result_id, turn, question, answer, correctness, depth, clarity, error_type, rationale)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				resultID, t.Turn, t.Question, t.Answer, t.Score.Correctness, t.Score.Depth, t.Score.Clarity, string(t.Error), t.Rationale,
			)
			if err != nil {
				return fmt.Errorf("insert turn %d of %q: %w", t.Turn, c.Concept, err)
			}
		}
	}

	return tx.Commit()
}

// GetReport loads a stored viva. The scores map is rebuilt from the concept
// results in order, so a repeated concept name keeps its last score.
func (s *Store) GetReport(ctx context.Context, id string) (*model.SessionReport, error) {
	r := &model.SessionReport{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT chapter, grade, subject, feedback, started_at, finished_at FROM viva_sessions WHERE id = ?`, id,
	).Scan(&r.Selection.Chapter, &r.Selection.Grade, &r.Selection.Subject, &r.Feedback, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, concept, correctness, depth, clarity, exited FROM concept_results WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	var resultIDs []int64
	for rows.Next() {
		var rid int64
		var c model.ConceptResult
		if err := rows.Scan(&rid, &c.Concept, &c.Score.Correctness, &c.Score.Depth, &c.Score.Clarity, &c.Exited); err != nil {
			rows.Close()
			return nil, err
		}
		resultIDs = append(resultIDs, rid)
		r.Concepts = append(r.Concepts, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.Scores = make(map[string]model.ScoreTriple, len(r.Concepts))
	for i := range r.Concepts {
		turns, err := s.getTurns(ctx, resultIDs[i])
		if err != nil {
			return nil, err
		}
		r.Concepts[i].Turns = turns
		r.Scores[r.Concepts[i].Concept] = r.Concepts[i].Score
	}
	return r, nil
}

func (s *Store) getTurns(ctx context.Context, resultID int64) ([]model.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn, question, answer, correctness, depth, clarity, error_type, rationale FROM turns WHERE concept_result_id = ? ORDER BY turn`,
		resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	turns := []model.TurnRecord{}
	for rows.Next() {
		var t model.TurnRecord
		if err := rows.Scan(&t.Turn, &t.Question, &t.Answer, &t.Score.Correctness, &t.Score.Depth, &t.Score.Clarity, &t.Error, &t.Rationale); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListReports returns stored vivas, newest first. A limit of 0 or less
// returns all of them.
func (s *Store) ListReports(ctx context.Context, limit int) ([]model.SessionSummary, error) {
	query := `SELECT s.id, s.chapter, s.grade, s.subject, s.started_at, s.finished_at,
		(SELECT COUNT(*) FROM concept_results c WHERE c.session_id = s.id)
		FROM viva_sessions s ORDER BY s.started_at DESC, s.id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Selection.Chapter, &sum.Selection.Grade, &sum.Selection.Subject,
			&sum.StartedAt, &sum.FinishedAt, &sum.Concepts); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
