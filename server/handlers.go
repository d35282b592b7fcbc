// Package server exposes the HTTP API: bridge control, SSE and WebSocket
// subscriptions, health, status and metrics.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/onnwee/tvyt/backend/bridge"
	"github.com/onnwee/tvyt/backend/push"
	"github.com/onnwee/tvyt/backend/telemetry"
)

// RoomLookup resolves between usernames and room ids.
type RoomLookup interface {
	GetRoomIDForUser(ctx context.Context, username string) (string, error)
	GetUserForRoomID(ctx context.Context, roomID string) (string, error)
}

// Deps are the collaborators the handlers need. DB may be nil, in which case
// the database checks are skipped.
type Deps struct {
	Manager *bridge.Manager
	Hub     *push.Hub
	Rooms   RoomLookup
	DB      *sql.DB
	// Keepalive is the SSE comment interval.
	Keepalive time.Duration
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	cors      *corsConfig
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps, cors *corsConfig) *Handlers {
	return &Handlers{Deps: deps, cors: cors, startedAt: time.Now()}
}

type apiError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}

func (h *Handlers) bridgeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, bridge.ErrRoomNotFound) {
		writeJSON(w, http.StatusNotFound, apiError{Message: "Chat does not exist", ErrorType: "NotFound"})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Error("bridge start failed", slog.String("component", "http"), slog.Any("err", err))
	writeJSON(w, http.StatusInternalServerError, apiError{Message: "Failed to start chat bridge", ErrorType: "ServerError"})
}

// HandleStartBridge starts (or reports) every platform session of a room.
func (h *Handlers) HandleStartBridge(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	rep, err := h.Manager.StartBridgeForRoom(r.Context(), roomID)
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}
	writeJSON(w, rep.Code, rep)
}

// HandleStopBridge tears down a room's sessions.
func (h *Handlers) HandleStopBridge(w http.ResponseWriter, r *http.Request) {
	h.Manager.StopBridgeForRoom(r.PathValue("roomID"))
	w.WriteHeader(http.StatusNoContent)
}

type streamResponse struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
	bridge.Report
}

// HandleStream is the query-string form of HandleStartBridge: /api/stream?chatId=...
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "chatId is required", ErrorType: "BadRequest"})
		return
	}
	rep, err := h.Manager.StartBridgeForRoom(r.Context(), chatID)
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}
	resp := streamResponse{Message: "Stream messages are being sent", ErrorType: "None", Report: rep}
	if rep.Code >= http.StatusBadRequest {
		resp.Message, resp.ErrorType = "No chat could be started", "ServerError"
	}
	writeJSON(w, rep.Code, resp)
}

// HandleUserRoom returns the room id owned by a user.
func (h *Handlers) HandleUserRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.Rooms.GetRoomIDForUser(r.Context(), r.PathValue("username"))
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("room lookup failed", slog.String("component", "http"), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, apiError{Message: "Room lookup failed", ErrorType: "ServerError"})
		return
	}
	if roomID == "" {
		writeJSON(w, http.StatusNotFound, apiError{Message: "Chat ID not found", ErrorType: "NotFound"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"roomId": roomID})
}

// knownRoom answers 404 for room ids nobody owns, so subscriptions cannot
// create rooms the bridge could never serve.
func (h *Handlers) knownRoom(w http.ResponseWriter, r *http.Request, roomID string) bool {
	user, err := h.Rooms.GetUserForRoomID(r.Context(), roomID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Message: "Room lookup failed", ErrorType: "ServerError"})
		return false
	}
	if user == "" {
		writeJSON(w, http.StatusNotFound, apiError{Message: "Chat does not exist", ErrorType: "NotFound"})
		return false
	}
	return true
}

// HandleEvents subscribes the caller to a room over Server-Sent Events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if !h.knownRoom(w, r, roomID) {
		return
	}
	connID := uuid.NewString()
	sub := h.Hub.Join(connID, roomID)
	defer h.Hub.Leave(connID)

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"), slog.String("room", roomID), slog.String("conn", connID))
	log.Info("sse subscriber connected")
	if err := push.ServeSSE(r.Context(), w, sub, h.Keepalive); err != nil {
		if errors.Is(err, push.ErrStreamingUnsupported) {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		log.Debug("sse stream ended", slog.Any("err", err))
	}
}

// HandleWebSocket subscribes the caller to a room over a WebSocket.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if !h.knownRoom(w, r, roomID) {
		return
	}
	opts := &websocket.AcceptOptions{InsecureSkipVerify: h.cors.permissive}
	if !h.cors.permissive {
		opts.OriginPatterns = h.cors.originPatterns()
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept has already written the error response.
		telemetry.LoggerWithCorr(r.Context()).Warn("websocket accept failed", slog.String("component", "http"), slog.Any("err", err))
		return
	}

	connID := uuid.NewString()
	sub := h.Hub.Join(connID, roomID)
	defer h.Hub.Leave(connID)

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"), slog.String("room", roomID), slog.String("conn", connID))
	log.Info("websocket subscriber connected")
	if err := push.ServeWebSocket(r.Context(), conn, sub); err != nil {
		log.Debug("websocket stream ended", slog.Any("err", err))
	}
}
