package domain

import (
	"time"
)

// PauseStatus is the lifecycle state of a pause.
type PauseStatus string

const (
	PauseActive    PauseStatus = "active"
	PauseCompleted PauseStatus = "completed"
)

// Pause is one cooling-off interruption. At most one pause per room is
// active at any time; while active it blocks both parties, not just the
// initiator.
type Pause struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	InitiatedBy string      `json:"initiated_by"`
	PauseIndex  int         `json:"pause_index"`
	PausedAt    time.Time   `json:"paused_at"`
	ResumeAt    time.Time   `json:"resume_at"`
	Status      PauseStatus `json:"status"`
}

// Expired reports whether the pause window has elapsed at the given instant.
func (p *Pause) Expired(now time.Time) bool {
	return !p.ResumeAt.After(now)
}
