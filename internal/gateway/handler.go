package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atrium-world/atrium/internal/config"
	"github.com/atrium-world/atrium/internal/resolver"
	"github.com/atrium-world/atrium/internal/world"
)

const maxVariableBody = 64 * 1024

// Handler mounts the websocket endpoints and the unary admin REST surface.
type Handler struct {
	registry   *world.Registry
	store      world.VariableStore
	session    config.SessionConfig
	adminToken string
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates the HTTP surface.
//
// Precondition: registry and logger must be non-nil. store may be nil when
// persistence is disabled.
func NewHandler(registry *world.Registry, store world.VariableStore, session config.SessionConfig, adminToken string, logger *zap.Logger) *Handler {
	return &Handler{
		registry:   registry,
		store:      store,
		session:    session,
		adminToken: adminToken,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; access policy
			// is delegated to the admin service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the HTTP mux for the gateway.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.handleClientWS)
	mux.HandleFunc("GET /admin/ws", h.requireAdmin(h.handleAdminWS))
	mux.HandleFunc("GET /admin/rooms", h.requireAdmin(h.handleRoomList))
	mux.HandleFunc("POST /admin/broadcast", h.requireAdmin(h.handleBroadcast))
	mux.HandleFunc("POST /admin/message", h.requireAdmin(h.handleUserMessage))
	mux.HandleFunc("POST /admin/ban", h.requireAdmin(h.handleBan))
	mux.HandleFunc("POST /admin/world-full", h.requireAdmin(h.handleWorldFull))
	mux.HandleFunc("POST /admin/refresh", h.requireAdmin(h.handleRefresh))
	mux.HandleFunc("POST /admin/chat-prompt", h.requireAdmin(h.handleChatPrompt))
	mux.HandleFunc("GET /admin/variables", h.requireAdmin(h.handleVariableGet))
	mux.HandleFunc("POST /admin/variables", h.requireAdmin(h.handleVariableSave))
	mux.HandleFunc("GET /admin/variables/listen", h.requireAdmin(h.handleVariableListen))
	return mux
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

// requireAdmin enforces the shared admin token. Authorization failures are
// reported with a distinct code so callers can tell them from faults.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if h.adminToken == "" || token != h.adminToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(conn, h.session, h.registry, remoteIP(r), h.logger)
	client.Run(r.Context())
}

func (h *Handler) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("admin websocket upgrade failed", zap.Error(err))
		return
	}
	admin := NewAdminClient(conn, h.session, h.registry, h.logger)
	admin.Run(r.Context())
}

func (h *Handler) handleRoomList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

type broadcastRequest struct {
	RoomKey string `json:"roomKey,omitempty"`
	Message string `json:"message"`
}

// handleBroadcast messages every participant of one room, or of every room
// when no room key is given.
func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ev := world.UserMessageEvent{Type: "message", Message: req.Message}
	if req.RoomKey == "" {
		h.registry.BroadcastAll(ev)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	room, ok := h.registry.Get(req.RoomKey)
	if !ok {
		writeError(w, http.StatusNotFound, "room_not_found", "no live room for key")
		return
	}
	room.Broadcast(ev)
	w.WriteHeader(http.StatusNoContent)
}

type targetedRequest struct {
	RoomKey    string `json:"roomKey"`
	TargetUUID string `json:"targetUuid"`
	Message    string `json:"message"`
}

func (h *Handler) handleUserMessage(w http.ResponseWriter, r *http.Request) {
	h.targeted(w, r, func(room *world.Room, req targetedRequest) error {
		return room.SendUserMessage(req.TargetUUID, req.Message)
	})
}

func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request) {
	h.targeted(w, r, func(room *world.Room, req targetedRequest) error {
		return room.Ban(req.TargetUUID, req.Message)
	})
}

func (h *Handler) targeted(w http.ResponseWriter, r *http.Request, op func(*world.Room, targetedRequest) error) {
	var req targetedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	room, ok := h.registry.Get(req.RoomKey)
	if !ok {
		writeError(w, http.StatusNotFound, "room_not_found", "no live room for key")
		return
	}
	if err := op(room, req); err != nil {
		if errors.Is(err, world.ErrUnknownParticipant) {
			writeError(w, http.StatusNotFound, "user_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleWorldFull(w http.ResponseWriter, _ *http.Request) {
	h.registry.BroadcastAll(world.WorldFullWarningEvent{})
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	RoomKey string `json:"roomKey"`
	Timeout int32  `json:"timeToRefresh,omitempty"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	room, ok := h.registry.Get(req.RoomKey)
	if !ok {
		writeError(w, http.StatusNotFound, "room_not_found", "no live room for key")
		return
	}
	room.Broadcast(world.RefreshRoomEvent{Timeout: req.Timeout})
	w.WriteHeader(http.StatusNoContent)
}

type chatPromptRequest struct {
	RoomKey string `json:"roomKey"`
	Message string `json:"message"`
}

// handleChatPrompt pushes a chat prompt to every participant of one room.
func (h *Handler) handleChatPrompt(w http.ResponseWriter, r *http.Request) {
	var req chatPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	room, ok := h.registry.Get(req.RoomKey)
	if !ok {
		writeError(w, http.StatusNotFound, "room_not_found", "no live room for key")
		return
	}
	room.Broadcast(world.ChatMessagePromptEvent{Message: req.Message})
	w.WriteHeader(http.StatusNoContent)
}

// handleVariableGet reads a variable, preferring a live room's cache and
// falling back to the store for rooms not currently open.
func (h *Handler) handleVariableGet(w http.ResponseWriter, r *http.Request) {
	roomKey, name := r.URL.Query().Get("room"), r.URL.Query().Get("name")
	if roomKey == "" || name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "room and name query parameters are required")
		return
	}

	if room, ok := h.registry.Get(roomKey); ok {
		value, found := room.GetVariable(name)
		if !found {
			writeError(w, http.StatusNotFound, "variable_not_found", "variable not set")
			return
		}
		writeRawJSON(w, value)
		return
	}

	if h.store == nil {
		writeError(w, http.StatusNotFound, "room_not_found", "room is not open and persistence is disabled")
		return
	}
	vars, err := h.store.LoadAll(r.Context(), roomKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	value, found := vars[name]
	if !found {
		writeError(w, http.StatusNotFound, "variable_not_found", "variable not set")
		return
	}
	writeRawJSON(w, value)
}

// handleVariableSave writes a variable. A live room fans the update out to
// its participants and listeners; otherwise the store is written directly.
func (h *Handler) handleVariableSave(w http.ResponseWriter, r *http.Request) {
	roomKey, name := r.URL.Query().Get("room"), r.URL.Query().Get("name")
	if roomKey == "" || name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "room and name query parameters are required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxVariableBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be valid JSON")
		return
	}

	if room, ok := h.registry.Get(roomKey); ok {
		if err := room.SetVariable(r.Context(), name, body); err != nil {
			h.writeVariableError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.store == nil {
		h.writeVariableError(w, world.ErrPersistenceDisabled)
		return
	}
	if err := h.store.Save(r.Context(), roomKey, name, body); err != nil {
		h.writeVariableError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeVariableError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, world.ErrVariableRejected):
		writeError(w, http.StatusConflict, "variable_rejected", err.Error())
	case errors.Is(err, world.ErrPersistenceDisabled):
		writeError(w, http.StatusServiceUnavailable, "persistence_disabled", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// handleVariableListen upgrades to a websocket streaming variable updates of
// one room, optionally filtered by the name query parameter.
func (h *Handler) handleVariableListen(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "room query parameter is required")
		return
	}
	room, err := h.registry.GetOrCreate(r.Context(), roomKey)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("listener websocket upgrade failed", zap.Error(err))
		h.registry.MaybeEvict(roomKey)
		return
	}

	listener := newVariableListener(conn, h.session, h.registry, room, h.logger)
	room.AddVariableListener(listener, r.URL.Query().Get("name"))
	listener.run()
}

func writeRawJSON(w http.ResponseWriter, value json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// remoteIP extracts the client address, honoring the first X-Forwarded-For
// hop when present.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
