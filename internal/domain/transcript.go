package domain

import (
	"time"
)

// Transcript is the persisted record of one conversation run.
type Transcript struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Messages  int        `json:"message_count"`
}

// Finished reports whether the run has ended.
func (t *Transcript) Finished() bool {
	return t.EndedAt != nil
}
