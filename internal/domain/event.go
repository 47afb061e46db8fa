package domain

import (
	"time"
)

// Event is one immutable audit log line scoped to a room. The core only
// writes events; nothing reads them back.
type Event struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	UserID    string         `json:"user_id,omitempty"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event type tags appended by state-changing commands.
const (
	EventCreated             = "created"
	EventJoined              = "joined"
	EventSubmitted           = "submitted"
	EventAnalyzed            = "analyzed"
	EventChatStarted         = "chat_started"
	EventMessageSent         = "message_sent"
	EventPaused              = "paused"
	EventPauseEndedEarly     = "pause_ended_early"
	EventEndRequested        = "end_requested"
	EventEndAccepted         = "end_accepted"
	EventEndDeclined         = "end_declined"
	EventEndRequestCancelled = "end_request_cancelled"
	EventCompleted           = "completed"
	EventCoachUsed           = "coach_used"
)

// ResearchRecord is the anonymized aggregate written at session completion.
// It carries no identifiers and no raw text.
type ResearchRecord struct {
	ID                    string    `json:"id"`
	ConflictCategory      string    `json:"conflict_category"`
	Horsemen              []string  `json:"horsemen"`
	SentimentShiftA       *float64  `json:"sentiment_shift_user_a,omitempty"`
	SentimentShiftB       *float64  `json:"sentiment_shift_user_b,omitempty"`
	SessionOutcome        string    `json:"session_outcome"`
	ResolutionTimeSeconds int64     `json:"resolution_time_seconds"`
	PauseCount            int       `json:"pause_count"`
	CompromiseSelected    string    `json:"compromise_selected,omitempty"`
	AnonymizedTextA       string    `json:"anonymized_text_a"`
	AnonymizedTextB       string    `json:"anonymized_text_b"`
	CreatedAt             time.Time `json:"created_at"`
}
