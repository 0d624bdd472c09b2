package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/viva/internal/model"
)

// ExportAllSessions builds an export of every stored viva, oldest first.
// A non-empty subject keeps only vivas on that subject (case-insensitive).
func (s *Store) ExportAllSessions(ctx context.Context, subject string) (*model.VivaExport, error) {
	summaries, err := s.ListReports(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	export := &model.VivaExport{
		Subject:     subject,
		GeneratedAt: time.Now().UTC(),
		Sessions:    []model.SessionReport{},
	}
	for i := len(summaries) - 1; i >= 0; i-- {
		sum := summaries[i]
		if subject != "" && !strings.EqualFold(sum.Selection.Subject, subject) {
			continue
		}
		r, err := s.GetReport(ctx, sum.ID)
		if err != nil {
			return nil, fmt.Errorf("get report %s: %w", sum.ID, err)
		}
		export.Sessions = append(export.Sessions, *r)
	}
	export.NumSessions = len(export.Sessions)
	return export, nil
}
