package domain

import (
	"time"
)

// Analysis is the one-time AI mediation plan produced from both entries.
// The nested payload keeps the collaborator's camelCase field names because
// it is stored and served as an opaque JSON document.
type Analysis struct {
	RoomID           string          `json:"room_id"`
	Payload          AnalysisPayload `json:"analysis"`
	SafetyLevel      SafetyLevel     `json:"safety_level"`
	Horsemen         []string        `json:"horsemen"`
	ConflictCategory string          `json:"conflict_category"`
	SentimentBeforeA *float64        `json:"sentiment_before_a,omitempty"`
	SentimentBeforeB *float64        `json:"sentiment_before_b,omitempty"`
	SentimentAfterA  *float64        `json:"sentiment_after_a,omitempty"`
	SentimentAfterB  *float64        `json:"sentiment_after_b,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AnalysisPayload is the structured collaborator output.
type AnalysisPayload struct {
	NeutralAgenda    string         `json:"neutralAgenda"`
	PersonA          PersonAnalysis `json:"personA"`
	PersonB          PersonAnalysis `json:"personB"`
	SharedNeeds      []string       `json:"sharedNeeds"`
	Script           []ScriptStep   `json:"script"`
	Compromises      []Compromise   `json:"compromises"`
	ConflictCategory string         `json:"conflictCategory"`
	SafetyLevel      SafetyLevel    `json:"safetyLevel"`
	SafetyNotes      string         `json:"safetyNotes,omitempty"`
}

// PersonAnalysis is the per-participant half of the analysis.
type PersonAnalysis struct {
	Feelings        []string         `json:"feelings"`
	UnderlyingNeeds []string         `json:"underlyingNeeds"`
	Patterns        []Pattern        `json:"patterns"`
	NVCTranslation  NVCTranslation   `json:"nvcTranslation"`
	SuggestedOpener string           `json:"suggestedOpener"`
	SentimentScore  float64          `json:"sentimentScore"`
}

// Pattern is one detected destructive communication pattern.
type Pattern struct {
	Type     string `json:"type"`
	Evidence string `json:"evidence"`
	Severity string `json:"severity"`
	Reframe  string `json:"reframe"`
}

// NVCTranslation restates a perspective as observation/feeling/need/request.
type NVCTranslation struct {
	Observation string `json:"observation"`
	Feeling     string `json:"feeling"`
	Need        string `json:"need"`
	Request     string `json:"request"`
}

// ScriptStep is one section of the scripted agenda.
type ScriptStep struct {
	ID              string `json:"id"`
	Phase           string `json:"phase"`
	Speaker         string `json:"speaker"`
	DurationSeconds int    `json:"durationSeconds"`
	Prompt          string `json:"prompt"`
	Guidance        string `json:"guidance"`
}

// Compromise is one candidate resolution.
type Compromise struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	RequiresFromYou     string `json:"requiresFromYou"`
	RequiresFromPartner string `json:"requiresFromPartner"`
}

// CriticalPlaceholderPayload is the fixed analysis persisted when the
// deterministic pre-filter finds critical content. The collaborator is never
// consulted in that case.
func CriticalPlaceholderPayload() AnalysisPayload {
	return AnalysisPayload{
		NeutralAgenda:    "This conversation requires professional support.",
		PersonA:          PersonAnalysis{Feelings: []string{}, UnderlyingNeeds: []string{}, Patterns: []Pattern{}},
		PersonB:          PersonAnalysis{Feelings: []string{}, UnderlyingNeeds: []string{}, Patterns: []Pattern{}},
		SharedNeeds:      []string{},
		Script:           []ScriptStep{},
		Compromises:      []Compromise{},
		ConflictCategory: "other",
		SafetyLevel:      SafetyCritical,
		SafetyNotes:      "Safety concerns detected. Please reach out to professional resources.",
	}
}
