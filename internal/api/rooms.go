package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/commonground-labs/commonground/internal/domain"
	"github.com/commonground-labs/commonground/internal/identity"
	"github.com/commonground-labs/commonground/internal/room"
)

// RoomHandler serves the room command surface.
type RoomHandler struct {
	*Handler
}

// NewRoomHandler creates a room handler.
func NewRoomHandler(base *Handler) *RoomHandler {
	return &RoomHandler{Handler: base}
}

// RegisterRoutes registers room routes.
func (h *RoomHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/rooms", h.CreateRoom)
		r.Post("/rooms/join", h.JoinRoom)
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", h.GetRoom)
			r.Put("/entry", h.UpdateEntry)
			r.Post("/analyze", h.Analyze)
			r.Get("/analyze", h.GetAnalysis)
			r.Post("/turn", h.StartChat)
			r.Get("/turn", h.GetTurn)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.PostMessage)
			r.Post("/messages/check", h.CheckTone)
			r.Post("/pause", h.StartPause)
			r.Get("/pause", h.GetPause)
			r.Delete("/pause", h.EndPause)
			r.Post("/end", h.RequestEnd)
			r.Put("/end", h.RespondToEnd)
			r.Delete("/end", h.CancelEnd)
			r.Post("/complete", h.Complete)
			r.Post("/coach", h.Coach)
		})
	})
}

func (h *RoomHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return "", false
	}
	return userID, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "validation_failed", "Invalid request body")
		return false
	}
	return true
}

// CreateRoom makes a new room with the caller as person A.
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Relationship string `json:"relationship"`
		DisplayName  string `json:"displayName"`
	}
	if !decode(w, r, &req) {
		return
	}

	rm, err := h.svc.CreateRoom(r.Context(), userID, req.DisplayName, req.Relationship)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"roomId":   rm.ID,
		"code":     rm.Code,
		"shareUrl": fmt.Sprintf("%s/r/%s", h.frontendURL, rm.Code),
	})
}

// JoinRoom enters a room by code.
func (h *RoomHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Code         string `json:"code"`
		Relationship string `json:"relationship"`
		DisplayName  string `json:"displayName"`
	}
	if !decode(w, r, &req) {
		return
	}

	rm, alreadyMember, err := h.svc.JoinRoom(r.Context(), userID, req.Code, req.DisplayName, req.Relationship)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"roomId":        rm.ID,
		"code":          rm.Code,
		"alreadyMember": alreadyMember,
	})
}

// GetRoom returns the caller's view of the room.
func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.svc.GetRoomView(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// UpdateEntry saves or submits the caller's private entry.
func (h *RoomHandler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Text   string `json:"text"`
		Submit bool   `json:"submit"`
	}
	if !decode(w, r, &req) {
		return
	}

	bothSubmitted, err := h.svc.UpdateEntry(r.Context(), chi.URLParam(r, "roomID"), userID, req.Text, req.Submit)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"bothSubmitted": bothSubmitted})
}

// Analyze triggers (or returns) the one-time entry analysis.
func (h *RoomHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	analysis, cached, err := h.svc.Analyze(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"analysis":    analysis.Payload,
		"safetyLevel": analysis.SafetyLevel,
		"cached":      cached,
	})
}

// GetAnalysis returns the stored analysis.
func (h *RoomHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	analysis, err := h.svc.GetAnalysis(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	if analysis == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"analysis": nil})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"analysis":    analysis.Payload,
		"safetyLevel": analysis.SafetyLevel,
	})
}

// StartChat initializes the turn state.
func (h *RoomHandler) StartChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	turnState, err := h.svc.StartChat(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"turnState": turnState})
}

// GetTurn returns the current turn state, null before chat starts.
func (h *RoomHandler) GetTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	turnState, err := h.svc.GetTurnState(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"turnState": turnState})
}

// ListMessages returns the conversation in order.
func (h *RoomHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	messages, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// PostMessage commits a chat message and returns the fresh guidance.
func (h *RoomHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Message      string              `json:"message"`
		ToneLabels   []string            `json:"toneLabels"`
		ToneAnalysis domain.ToneAnalysis `json:"toneAnalysis"`
	}
	if !decode(w, r, &req) {
		return
	}

	msg, guidance, err := h.svc.PostMessage(r.Context(), chi.URLParam(r, "roomID"), userID, req.Message, req.ToneLabels, req.ToneAnalysis)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"message":  msg,
		"guidance": guidance,
	})
}

// CheckTone runs the advisory pre-send tone check.
func (h *RoomHandler) CheckTone(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Message    string   `json:"message"`
		ToneLabels []string `json:"toneLabels"`
	}
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.CheckTone(r.Context(), chi.URLParam(r, "roomID"), userID, req.Message, req.ToneLabels)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// StartPause begins a cooling-off pause for the turn holder.
func (h *RoomHandler) StartPause(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	pause, remaining, err := h.svc.StartPause(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"pause":           pause,
		"remainingPauses": remaining,
	})
}

// GetPause reports the pause state and quota usage.
func (h *RoomHandler) GetPause(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	state, err := h.svc.GetPauseState(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"activePause": state.ActivePause,
		"pauseCounts": state.PauseCounts,
		"maxPauses":   state.MaxPauses,
	})
}

// EndPause completes the active pause early.
func (h *RoomHandler) EndPause(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.svc.EndPauseEarly(r.Context(), chi.URLParam(r, "roomID"), userID); err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RequestEnd starts the mutual-end protocol.
func (h *RoomHandler) RequestEnd(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	turnState, err := h.svc.RequestEnd(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"turnState": turnState,
		"message":   "End request sent to partner",
	})
}

// RespondToEnd accepts or declines the partner's end request.
func (h *RoomHandler) RespondToEnd(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Action != "accept" && req.Action != "decline" {
		Error(w, http.StatusBadRequest, "validation_failed", "Invalid action")
		return
	}

	turnState, err := h.svc.RespondToEnd(r.Context(), chi.URLParam(r, "roomID"), userID, req.Action == "accept")
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"accepted":  req.Action == "accept",
		"turnState": turnState,
	})
}

// CancelEnd withdraws the caller's own end request.
func (h *RoomHandler) CancelEnd(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	turnState, err := h.svc.CancelEnd(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"turnState": turnState,
		"message":   "End request cancelled",
	})
}

// Complete finalizes the session and writes the research aggregate.
func (h *RoomHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		CompromiseSelected string   `json:"compromiseSelected"`
		SentimentAfterA    *float64 `json:"sentimentAfterA"`
		SentimentAfterB    *float64 `json:"sentimentAfterB"`
		PauseCount         int      `json:"pauseCount"`
	}
	if !decode(w, r, &req) {
		return
	}

	err := h.svc.CompleteSession(r.Context(), chi.URLParam(r, "roomID"), userID, room.CompleteRequest{
		CompromiseSelected: req.CompromiseSelected,
		SentimentAfterA:    req.SentimentAfterA,
		SentimentAfterB:    req.SentimentAfterB,
		PauseCount:         req.PauseCount,
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Coach streams rephrasing help as plain text chunks.
func (h *RoomHandler) Coach(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Statement string `json:"statement"`
		Context   string `json:"context"`
	}
	if !decode(w, r, &req) {
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	err := h.svc.Coach(r.Context(), chi.URLParam(r, "roomID"), userID, req.Statement, req.Context, func(chunk string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if started {
			h.logger.Error("coach stream aborted", "error", err)
			return
		}
		h.serviceError(w, err)
	}
}
