// Package server exposes the HTTP surface: websocket upgrades, the room
// history endpoint, profile login/lookup, and the health check.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"roomchat/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

func checkOrigin(r *http.Request) bool {
	return isOriginAllowed(r.Header.Get("Origin"))
}

// Handlers bundles the HTTP handlers with the hub and stores they serve
// from.
type Handlers struct {
	hub      *Hub
	messages *store.MessageStore
	profiles *store.ProfileStore
	log      *slog.Logger
}

// NewHandlers wires the HTTP surface to the hub and stores.
func NewHandlers(hub *Hub, messages *store.MessageStore, profiles *store.ProfileStore, log *slog.Logger) *Handlers {
	return &Handlers{hub: hub, messages: messages, profiles: profiles, log: log}
}

// apiError is the JSON error envelope: {"error": "..."} with the matching
// HTTP status.
type apiError struct {
	HTTPStatus int    `json:"-"`
	Message    string `json:"error"`
}

func (e *apiError) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatus)
	return nil
}

func badRequest(message string) *apiError {
	return &apiError{HTTPStatus: http.StatusBadRequest, Message: message}
}

var (
	apiErrUserNotFound = &apiError{HTTPStatus: http.StatusNotFound, Message: "user not found"}
	apiErrInternal     = &apiError{HTTPStatus: http.StatusInternalServerError, Message: "internal error"}
)

// historyMessage is the wire form of one stored message.
type historyMessage struct {
	ID        uint64 `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// WebSocket upgrades the request and registers a new session with the hub,
// which starts the session's pump goroutines.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, h.profiles)
	h.log.Info("websocket session opened", "session", client.ID(), "addr", r.RemoteAddr)
	h.hub.register <- client
}

// History returns a room's full message log, oldest first. Unknown rooms get
// an empty array; malformed room names get a 400 with an error body. The
// read touches only the store, never the registry.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if err := validate.Struct(RoomPayload{Room: room}); err != nil {
		_ = render.Render(w, r, badRequest("invalid room name"))
		return
	}

	messages, err := h.messages.History(room)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRoom) {
			_ = render.Render(w, r, badRequest("invalid room name"))
			return
		}
		h.log.Error("history read failed", "room", room, "error", err)
		_ = render.Render(w, r, apiErrInternal)
		return
	}

	render.JSON(w, r, lo.Map(messages, func(m store.Message, _ int) historyMessage {
		return historyMessage{
			ID:        m.ID,
			Author:    m.Author,
			Text:      m.Text,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		}
	}))
}

// loginRequest mirrors the payload the web client posts on login.
type loginRequest struct {
	Username   string `json:"username" validate:"required,max=64"`
	ProfilePic string `json:"profilePic,omitempty" validate:"omitempty,max=2048"`
}

// Login saves the caller's display profile. This is the HTTP twin of the
// websocket identify event; it grants nothing beyond a stored profile.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, badRequest("malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		_ = render.Render(w, r, badRequest("username is required"))
		return
	}

	err := h.profiles.Upsert(store.Profile{Username: req.Username, ProfilePic: req.ProfilePic})
	if err != nil {
		h.log.Error("profile save failed", "username", req.Username, "error", err)
		_ = render.Render(w, r, apiErrInternal)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"message": "user data saved successfully"})
}

// User returns the stored profile for a username, or 404.
func (h *Handlers) User(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	profile, err := h.profiles.Lookup(username)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			_ = render.Render(w, r, apiErrUserNotFound)
			return
		}
		h.log.Error("profile lookup failed", "username", username, "error", err)
		_ = render.Render(w, r, apiErrInternal)
		return
	}

	render.JSON(w, r, profile)
}

// Health provides a simple liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("roomchat server is running!"))
}
