package domain

import (
	"time"
)

// TurnState tracks whose turn it is plus the latest advisory guidance.
// Exactly one exists per room once chat has started.
type TurnState struct {
	RoomID            string    `json:"room_id"`
	CurrentUserID     string    `json:"current_user_id"`
	LastTurnAt        time.Time `json:"last_turn_at"`
	ResolvedByAI      bool      `json:"resolved_by_ai"`
	ResolutionReason  string    `json:"resolution_reason,omitempty"`
	SuggestBreak      bool      `json:"suggest_break"`
	BreakMessage      string    `json:"break_message,omitempty"`
	EndRequestedBy    string    `json:"end_requested_by,omitempty"`
	EndRequestPending bool      `json:"end_request_pending"`
	Guidance          *Guidance `json:"ai_guidance,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Guidance is the collaborator's per-message advice for both participants.
// It is advisory only: resolution and break signals surface UI affordances
// but never end the room on their own.
type Guidance struct {
	ForCurrentSpeaker   *SpeakerGuidance `json:"forCurrentSpeaker,omitempty"`
	ForPartner          *PartnerGuidance `json:"forPartner,omitempty"`
	ConversationInsight string           `json:"conversationInsight,omitempty"`
	Resolved            bool             `json:"resolved,omitempty"`
	ResolutionReason    string           `json:"resolutionReason,omitempty"`
	SuggestBreak        bool             `json:"suggestBreak,omitempty"`
	BreakMessage        string           `json:"breakMessage,omitempty"`

	// Initialization marker set when the turn state is created.
	Initialized  bool   `json:"initialized,omitempty"`
	FirstSpeaker string `json:"firstSpeaker,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SpeakerGuidance addresses the participant who just spoke.
type SpeakerGuidance struct {
	Acknowledgment string   `json:"acknowledgment"`
	ReplyIdeas     []string `json:"replyIdeas"`
	WhatToTry      string   `json:"whatToTry"`
}

// PartnerGuidance addresses the participant about to respond.
type PartnerGuidance struct {
	Interpretation string   `json:"interpretation"`
	ReplyIdeas     []string `json:"replyIdeas"`
	WhatToTry      string   `json:"whatToTry"`
}
