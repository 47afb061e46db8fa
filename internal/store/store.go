// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/commonground-labs/commonground/internal/domain"
)

// Conflict errors returned when a uniqueness backstop rejects a racing
// check-then-act operation. Callers treat these as normal rejected-command
// outcomes, not internal failures.
var (
	// ErrCodeTaken means the generated room code collided with an existing one.
	ErrCodeTaken = errors.New("room code already taken")
	// ErrRoomFull means the room already has two members.
	ErrRoomFull = errors.New("room already has two members")
	// ErrAlreadyMember means the user is already attached to the room.
	ErrAlreadyMember = errors.New("user already a member of room")
	// ErrEntryFrozen means the entry was submitted and its text is immutable.
	ErrEntryFrozen = errors.New("entry already submitted")
	// ErrAnalysisExists means the room's one-time analysis is already persisted.
	ErrAnalysisExists = errors.New("analysis already exists")
	// ErrTurnExists means the room's turn state is already initialized.
	ErrTurnExists = errors.New("turn state already exists")
	// ErrTurnConflict means the optimistic turn check failed: the caller no
	// longer holds the turn.
	ErrTurnConflict = errors.New("turn state changed concurrently")
	// ErrEndRequestPending means an end request is already pending.
	ErrEndRequestPending = errors.New("end request already pending")
	// ErrPauseActive means the room already has an active pause.
	ErrPauseActive = errors.New("room already has an active pause")
	// ErrNotFound means a required record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Repository defines the transactional record store the session core runs
// against. Lookup methods return (nil, nil) when the record does not exist.
type Repository interface {
	// CreateRoom inserts a new room. Returns ErrCodeTaken on a join-code
	// collision.
	CreateRoom(ctx context.Context, room *domain.Room) error

	// GetRoom retrieves a room by id.
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)

	// GetRoomByCode retrieves a room by its human-entered join code.
	GetRoomByCode(ctx context.Context, code string) (*domain.Room, error)

	// UpdateRoomStatus sets the room lifecycle status.
	UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error

	// CompleteRoom marks the room completed and schedules its deletion.
	CompleteRoom(ctx context.Context, roomID string, completedAt, deleteAt time.Time) error

	// ExpiredRooms lists rooms whose delete_at horizon has passed.
	ExpiredRooms(ctx context.Context, now time.Time) ([]*domain.Room, error)

	// DeleteRoom removes a room and all of its scoped records.
	DeleteRoom(ctx context.Context, roomID string) error

	// AddMember attaches a user to a room, assigning the next join order.
	// Returns ErrRoomFull when two members exist and ErrAlreadyMember on a
	// duplicate user.
	AddMember(ctx context.Context, member *domain.Member) error

	// GetMember retrieves one membership record.
	GetMember(ctx context.Context, roomID, userID string) (*domain.Member, error)

	// ListMembers returns members ordered by join order (person A first).
	ListMembers(ctx context.Context, roomID string) ([]*domain.Member, error)

	// CreateEntry inserts the empty private statement created at join time.
	CreateEntry(ctx context.Context, roomID, userID string, now time.Time) error

	// UpdateEntry overwrites entry text and optionally stamps submission.
	// Returns ErrEntryFrozen once the entry has been submitted.
	UpdateEntry(ctx context.Context, roomID, userID, text string, submittedAt *time.Time) error

	// ListEntries returns both entries for a room.
	ListEntries(ctx context.Context, roomID string) ([]*domain.Entry, error)

	// InsertAnalysis persists the one-time analysis. Returns
	// ErrAnalysisExists if one is already present.
	InsertAnalysis(ctx context.Context, analysis *domain.Analysis) error

	// GetAnalysis retrieves the room's analysis.
	GetAnalysis(ctx context.Context, roomID string) (*domain.Analysis, error)

	// SetPostSentiment records post-session sentiment on the analysis.
	SetPostSentiment(ctx context.Context, roomID string, afterA, afterB *float64) error

	// CreateTurnState initializes the turn record. Returns ErrTurnExists if
	// chat has already started.
	CreateTurnState(ctx context.Context, ts *domain.TurnState) error

	// GetTurnState retrieves the turn record.
	GetTurnState(ctx context.Context, roomID string) (*domain.TurnState, error)

	// AdvanceTurn flips the turn from fromUserID to toUserID, optionally
	// attaching guidance. The update is an optimistic compare-and-swap on
	// the current holder; ErrTurnConflict is returned when the caller lost
	// the race.
	AdvanceTurn(ctx context.Context, roomID, fromUserID, toUserID string, guidance *domain.Guidance, at time.Time) error

	// SetEndRequest records a pending mutual-end request. Returns
	// ErrEndRequestPending if one is already pending.
	SetEndRequest(ctx context.Context, roomID, userID string, at time.Time) error

	// ClearEndRequest clears the pending-end fields.
	ClearEndRequest(ctx context.Context, roomID string, at time.Time) error

	// InsertMessage appends a chat message.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns all messages in conversation order.
	ListMessages(ctx context.Context, roomID string) ([]*domain.Message, error)

	// CreatePause inserts a new pause. Returns ErrPauseActive when an
	// active pause already exists for the room.
	CreatePause(ctx context.Context, pause *domain.Pause) error

	// GetActivePause returns the active pause, expired or not.
	GetActivePause(ctx context.Context, roomID string) (*domain.Pause, error)

	// CompletePause transitions a pause to completed.
	CompletePause(ctx context.Context, pauseID string) error

	// CountPauses returns each user's lifetime pause count for a room.
	CountPauses(ctx context.Context, roomID string) (map[string]int, error)

	// AppendEvent writes one immutable audit event. Write-only: the core
	// never reads events back.
	AppendEvent(ctx context.Context, event *domain.Event) error

	// InsertResearchRecord writes the anonymized completion aggregate.
	InsertResearchRecord(ctx context.Context, rec *domain.ResearchRecord) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying database.
	Close() error
}
