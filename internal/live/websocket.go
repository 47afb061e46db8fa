package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/commonground-labs/commonground/internal/domain"
	"github.com/commonground-labs/commonground/internal/identity"
	"github.com/commonground-labs/commonground/internal/room"
)

// snapshotInterval is how often connected clients receive a fresh room state.
const snapshotInterval = 2 * time.Second

// Handler upgrades room connections to WebSocket and pushes state snapshots
// so both participants see entries, turns, and pauses without polling.
type Handler struct {
	svc           *room.Service
	logger        *slog.Logger
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a live-state WebSocket handler.
func NewHandler(svc *room.Service, logger *slog.Logger, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		svc:           svc,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// snapshot is the state pushed to clients. Fields mirror the REST responses
// so clients can reuse the same decoding.
type snapshot struct {
	Type        string            `json:"type"`
	Room        *room.RoomView    `json:"room"`
	TurnState   *domain.TurnState `json:"turnState"`
	ActivePause *domain.Pause     `json:"activePause"`
	PauseCounts map[string]int    `json:"pauseCounts"`
	Messages    []*domain.Message `json:"messages"`
}

// clientMessage is what clients may send; only ping is recognized.
type clientMessage struct {
	Type string `json:"type"`
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/rooms/{roomID}/ws", h.ServeRoom)
}

// ServeRoom streams room state to one participant.
func (h *Handler) ServeRoom(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	roomID := chi.URLParam(r, "roomID")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Reject non-members before upgrading.
	if _, err := h.svc.GetRoomView(r.Context(), roomID, userID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, room.ErrNotMember):
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err, "room_id", roomID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "room closed"); closeErr != nil {
			h.logger.Debug("websocket close failed", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop: consumes pings and cancels on disconnect.
	go func() {
		defer cancel()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					h.logger.Debug("websocket read error", "error", err, "room_id", roomID)
				}
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "ping" {
				if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
					return
				}
			}
		}
	}()

	h.pushLoop(ctx, ws, roomID, userID)
	h.logger.Debug("live connection ended", "room_id", roomID, "user_id", userID)
}

// pushLoop sends a snapshot immediately, then whenever state changes,
// checking on a fixed cadence.
func (h *Handler) pushLoop(ctx context.Context, ws *websocket.Conn, roomID, userID string) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	var last *snapshot
	for {
		snap, err := h.collect(ctx, roomID, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("snapshot failed", "error", err, "room_id", roomID)
		} else if last == nil || !reflect.DeepEqual(snap, last) {
			if err := h.writeJSON(ws, snap); err != nil {
				return
			}
			last = snap
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) collect(ctx context.Context, roomID, userID string) (*snapshot, error) {
	view, err := h.svc.GetRoomView(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	turnState, err := h.svc.GetTurnState(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	pauseState, err := h.svc.GetPauseState(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	messages, err := h.svc.ListMessages(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	return &snapshot{
		Type:        "state",
		Room:        view,
		TurnState:   turnState,
		ActivePause: pauseState.ActivePause,
		PauseCounts: pauseState.PauseCounts,
		Messages:    messages,
	}, nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
