package model

import "time"

// VivaExport is the top-level JSON structure for viva result export.
type VivaExport struct {
	Subject     string          `json:"subject,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	NumSessions int             `json:"num_sessions"`
	Sessions    []SessionReport `json:"sessions"`
}
