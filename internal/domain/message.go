package domain

import (
	"time"
)

// Message is one immutable chat line. Insertion order is conversation order;
// there are no edits or deletes.
type Message struct {
	ID           string       `json:"id"`
	RoomID       string       `json:"room_id"`
	UserID       string       `json:"user_id"`
	Text         string       `json:"text"`
	ToneLabels   []string     `json:"tone_labels"`
	ToneAnalysis ToneAnalysis `json:"tone_analysis"`
	Blocked      bool         `json:"blocked"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ToneAnalysis is optional advisory metadata attached by the sender's
// pre-send tone check.
type ToneAnalysis struct {
	ToneSummary     string   `json:"toneSummary,omitempty"`
	SuggestedLabels []string `json:"suggestedLabels,omitempty"`
	Warning         string   `json:"warning,omitempty"`
}

// ToneDecision is the tone-check collaborator's recommendation.
type ToneDecision string

const (
	ToneAllow ToneDecision = "allow"
	ToneWarn  ToneDecision = "warn"
	ToneBlock ToneDecision = "block"
)

// ToneCheckResult is returned to the client before a message is committed.
// It informs the sender; it never persists anything or advances the turn.
type ToneCheckResult struct {
	Decision          ToneDecision `json:"decision"`
	ToneSummary       string       `json:"toneSummary"`
	SuggestedLabels   []string     `json:"suggestedLabels"`
	Warning           string       `json:"warning,omitempty"`
	ReframeSuggestion string       `json:"reframeSuggestion,omitempty"`
}

// ValidDecision reports whether the collaborator returned a known decision.
func (r *ToneCheckResult) ValidDecision() bool {
	switch r.Decision {
	case ToneAllow, ToneWarn, ToneBlock:
		return true
	}
	return false
}
