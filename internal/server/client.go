// Package server manages individual websocket sessions, handling the
// read/write pumps, the per-session event state machine, and rate limiting.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomchat/internal/store"
)

// Client is the server-side session for one live connection. It owns the
// session identity and reacts to the discrete events the transport delivers:
// identify, joinRoom, leaveRoom, sendMessage, and the disconnect signal.
//
// Events for one session are processed sequentially by its read pump, so
// username and state transitions need no locking; only the hub touches the
// closed flag, under its own mutex.
type Client struct {
	id           SessionID
	conn         *websocket.Conn
	send         chan []byte
	hub          *Hub
	profiles     *store.ProfileStore
	log          *slog.Logger
	addr         string
	username     string
	closed       bool
	disconnected atomic.Bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
}

// NewClient creates a session for the given connection. The outbound channel
// is buffered so broadcast delivery never blocks on a slow reader.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, profiles *store.ProfileStore) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.New()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		profiles:       profiles,
		log:            hub.log.With("session", id),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
	}
}

// ID returns the session id assigned at connect time.
func (c *Client) ID() SessionID {
	return c.id
}

// markDisconnected flips the session into its terminal state. Events that
// arrive afterwards are rejected and must not resurrect registry entries.
func (c *Client) markDisconnected() {
	c.disconnected.Store(true)
}

// handleEvent runs one client-originated event through the session state
// machine. It returns nil on success; the returned ChatError is surfaced to
// this session only.
func (c *Client) handleEvent(raw []byte) *ChatError {
	if c.disconnected.Load() {
		return NewChatError(CodeInvalidState, "session already disconnected")
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return WrapChatError(CodeValidation, "malformed event", err)
	}

	switch in.Type {
	case EventIdentify:
		return c.handleIdentify(in.Data)
	case EventJoinRoom:
		return c.handleJoinRoom(in.Data)
	case EventLeaveRoom:
		return c.handleLeaveRoom(in.Data)
	case EventSendMessage:
		return c.handleSendMessage(in.Data)
	default:
		return NewChatError(CodeValidation, "unknown event type: "+in.Type)
	}
}

// handleIdentify claims a username for the session. Re-identification simply
// overwrites: the last identify wins and no uniqueness is enforced. The
// display profile is recorded best effort; a profile store failure does not
// fail identification.
func (c *Client) handleIdentify(data json.RawMessage) *ChatError {
	payload, chatErr := decodeEvent[IdentifyPayload](data)
	if chatErr != nil {
		return chatErr
	}

	username := strings.TrimSpace(payload.User)
	if username == "" {
		return NewChatError(CodeValidation, "username is empty")
	}
	c.username = username

	if c.profiles != nil {
		err := c.profiles.Upsert(store.Profile{Username: username, ProfilePic: payload.ProfilePic})
		if err != nil {
			c.log.Warn("profile upsert failed", "username", username, "error", err)
		}
	}
	c.log.Info("session identified", "username", username)
	return nil
}

// handleJoinRoom adds the session to a room, creating the room implicitly,
// and pushes the updated room list back.
func (c *Client) handleJoinRoom(data json.RawMessage) *ChatError {
	payload, chatErr := decodeEvent[RoomPayload](data)
	if chatErr != nil {
		return chatErr
	}

	c.hub.registry.Join(c.id, payload.Room)
	c.pushRoomList()
	return nil
}

// handleLeaveRoom removes the session from a room. Leaving a room the
// session is not in is a no-op; there is no auto-rejoin to the default room.
func (c *Client) handleLeaveRoom(data json.RawMessage) *ChatError {
	payload, chatErr := decodeEvent[RoomPayload](data)
	if chatErr != nil {
		return chatErr
	}

	c.hub.registry.Leave(c.id, payload.Room)
	c.pushRoomList()
	return nil
}

// handleSendMessage validates and hands the message to the hub, which
// appends it to the store and broadcasts it. Validation failures are
// rejected here, before anything is persisted.
func (c *Client) handleSendMessage(data json.RawMessage) *ChatError {
	if c.username == "" {
		return NewChatError(CodeUnauthenticated, "identify before sending messages")
	}

	payload, chatErr := decodeEvent[SendPayload](data)
	if chatErr != nil {
		return chatErr
	}
	if strings.TrimSpace(payload.Text) == "" {
		return NewChatError(CodeValidation, "message text is empty")
	}
	room := payload.Room
	if room == "" {
		room = DefaultRoom
	}

	select {
	case c.hub.send <- sendRequest{sender: c, room: room, author: c.username, text: payload.Text}:
		return nil
	case <-c.hub.ctx.Done():
		return NewChatError(CodeInvalidState, "service shutting down")
	}
}

// pushRoomList pushes the session's current membership to its channel.
func (c *Client) pushRoomList() {
	c.hub.pushTo(c, Outbound{Type: PushRoomList, Data: RoomListPayload{Rooms: c.hub.registry.Rooms(c.id)}})
}

// decodeEvent unmarshals and tag-validates one event payload.
func decodeEvent[T any](data json.RawMessage) (T, *ChatError) {
	var payload T
	if len(data) == 0 {
		return payload, NewChatError(CodeValidation, "missing event payload")
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, WrapChatError(CodeValidation, "malformed event payload", err)
	}
	if err := validate.Struct(payload); err != nil {
		return payload, WrapChatError(CodeValidation, "invalid event payload", err)
	}
	return payload, nil
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.log.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read failure appropriately and reports whether
// the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("session closed", "reason", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Info("connection closed", "reason", err)
	default:
		c.log.Warn("websocket read error", "error", err)
	}
	return true
}

// signalUnregister hands the session to the hub for teardown. Once the hub
// loop has exited nothing receives on the unregister channel, so shutdown
// doubles as the release.
func (c *Client) signalUnregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.ctx.Done():
	}
}

// readPump reads events off the connection and runs them through the state
// machine until the connection dies, then unregisters the session.
func (c *Client) readPump() {
	defer func() {
		c.signalUnregister()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in read pump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.rateLimiter.allow() {
			c.log.Warn("rate limit exceeded, discarding event", "addr", c.addr)
			continue
		}

		if chatErr := c.handleEvent(raw); chatErr != nil {
			c.log.Info("event rejected", "code", chatErr.Code, "reason", chatErr.Message)
			c.hub.pushError(c, chatErr)
		}
	}
}

// writePump drains the outbound channel onto the connection and keeps the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in write pump", "error", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.log.Warn("error setting write deadline", "error", err)
				return
			}
			if !ok {
				// Hub closed the channel; say goodbye.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					c.log.Warn("error writing close message", "error", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("error writing message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.log.Warn("error setting write deadline for ping", "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
