// Package api provides HTTP handlers for the CommonGround API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/commonground-labs/commonground/internal/room"
)

// Handler provides common handler utilities.
type Handler struct {
	svc         *room.Service
	frontendURL string
	logger      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc *room.Service, frontendURL string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, frontendURL: frontendURL, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response with a stable machine-readable code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": message, "code": code})
}

// serviceError maps room service errors onto HTTP statuses and stable
// error codes.
func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	var pausedErr *room.PausedError
	if errors.As(err, &pausedErr) {
		JSON(w, http.StatusForbidden, map[string]interface{}{
			"error":    "Chat is paused",
			"code":     "paused",
			"resumeAt": pausedErr.ResumeAt,
		})
		return
	}

	switch {
	case errors.Is(err, room.ErrValidation):
		Error(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, room.ErrRoomNotFound):
		// Generic wording prevents room code enumeration.
		Error(w, http.StatusNotFound, "room_unavailable", "Unable to join room")
	case errors.Is(err, room.ErrRoomUnavailable):
		Error(w, http.StatusForbidden, "room_unavailable", "This room is no longer available")
	case errors.Is(err, room.ErrRoomFull):
		Error(w, http.StatusForbidden, "room_full", "Unable to join room")
	case errors.Is(err, room.ErrNotMember):
		Error(w, http.StatusForbidden, "not_member", "Not a member of this room")
	case errors.Is(err, room.ErrChatNotStarted):
		Error(w, http.StatusBadRequest, "chat_not_started", "Chat not started")
	case errors.Is(err, room.ErrNotYourTurn):
		Error(w, http.StatusForbidden, "not_your_turn", "Not your turn")
	case errors.Is(err, room.ErrAlreadyPaused):
		Error(w, http.StatusBadRequest, "already_paused", "Already paused")
	case errors.Is(err, room.ErrNoPausesLeft):
		Error(w, http.StatusBadRequest, "no_pauses_left", "No pauses remaining")
	case errors.Is(err, room.ErrNoActivePause):
		Error(w, http.StatusBadRequest, "no_active_pause", "No active pause")
	case errors.Is(err, room.ErrMessageBlocked):
		Error(w, http.StatusBadRequest, "message_blocked", "Message blocked for safety")
	case errors.Is(err, room.ErrEndRequestPending):
		Error(w, http.StatusBadRequest, "end_request_pending", "End request already pending")
	case errors.Is(err, room.ErrNoEndRequest):
		Error(w, http.StatusBadRequest, "no_end_request", "No pending end request")
	case errors.Is(err, room.ErrOwnEndRequest):
		Error(w, http.StatusForbidden, "own_end_request", "Cannot respond to your own request")
	case errors.Is(err, room.ErrNotRequester):
		Error(w, http.StatusForbidden, "not_requester", "Can only cancel your own request")
	case errors.Is(err, room.ErrAnalysisFailed):
		Error(w, http.StatusInternalServerError, "analysis_failed", "Analysis failed")
	default:
		h.logger.Error("unhandled service error", "error", err)
		Error(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}
