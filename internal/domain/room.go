// Package domain contains core domain types for the CommonGround service.
package domain

import (
	"time"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	// RoomWaiting means the room exists and is waiting for members/entries.
	RoomWaiting RoomStatus = "waiting"
	// RoomReady means both private entries have been submitted.
	RoomReady RoomStatus = "ready"
	// RoomRevealed means the analysis has been generated and shared.
	RoomRevealed RoomStatus = "revealed"
	// RoomInProgress means turn-based chat has started.
	RoomInProgress RoomStatus = "in_progress"
	// RoomCompleted means the session ended by mutual agreement or completion.
	RoomCompleted RoomStatus = "completed"
	// RoomFlagged means safety screening stopped the session.
	RoomFlagged RoomStatus = "flagged"
)

// SafetyLevel classifies how concerning a piece of text is.
type SafetyLevel string

const (
	SafetyNormal   SafetyLevel = "normal"
	SafetyWarning  SafetyLevel = "warning"
	SafetyCritical SafetyLevel = "critical"
)

// Room is one two-party conflict resolution session.
type Room struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Status      RoomStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeleteAt    *time.Time `json:"delete_at,omitempty"`
}

// IsJoinable reports whether a second participant may still enter.
func (r *Room) IsJoinable() bool {
	return r.Status != RoomFlagged && r.Status != RoomCompleted
}

// Member binds a user to a room. JoinOrder 0 is "person A", 1 is "person B";
// the ordering is load-bearing for analysis and turn selection and is never
// reassigned.
type Member struct {
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	JoinOrder    int       `json:"join_order"`
	DisplayName  string    `json:"display_name"`
	Relationship string    `json:"relationship_to_other"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Entry is a member's private pre-conversation statement. Content is mutable
// until SubmittedAt is set, then frozen.
type Entry struct {
	RoomID      string     `json:"room_id"`
	UserID      string     `json:"user_id"`
	Text        string     `json:"text"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Submitted reports whether the entry has been locked in.
func (e *Entry) Submitted() bool {
	return e.SubmittedAt != nil
}
