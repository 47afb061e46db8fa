package room

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for command preconditions. Handlers map these to stable
// HTTP error categories with errors.Is.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomUnavailable   = errors.New("room unavailable")
	ErrRoomFull          = errors.New("room full")
	ErrNotMember         = errors.New("not a room member")
	ErrValidation        = errors.New("validation failed")
	ErrChatNotStarted    = errors.New("chat not started")
	ErrNotYourTurn       = errors.New("not your turn")
	ErrPaused            = errors.New("chat is paused")
	ErrAlreadyPaused     = errors.New("already paused")
	ErrNoPausesLeft      = errors.New("no pauses remaining")
	ErrNoActivePause     = errors.New("no active pause")
	ErrMessageBlocked    = errors.New("message blocked for safety")
	ErrEndRequestPending = errors.New("end request already pending")
	ErrNoEndRequest      = errors.New("no pending end request")
	ErrOwnEndRequest     = errors.New("cannot respond to your own end request")
	ErrNotRequester      = errors.New("can only cancel your own end request")
	ErrAnalysisFailed    = errors.New("analysis failed")
)

// PausedError carries the resume time so callers can show a countdown.
// errors.Is(err, ErrPaused) matches it.
type PausedError struct {
	ResumeAt time.Time
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("chat is paused until %s", e.ResumeAt.Format(time.RFC3339))
}

func (e *PausedError) Is(target error) bool {
	return target == ErrPaused
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
