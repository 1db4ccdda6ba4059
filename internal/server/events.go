// Package server defines the JSON event envelopes exchanged with clients
// over the websocket connection.
package server

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Client-originated event types.
const (
	EventIdentify    = "identify"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventSendMessage = "sendMessage"
)

// Server-originated push types.
const (
	PushMessage  = "message"
	PushRoomList = "roomList"
	PushError    = "error"
)

// DefaultRoom is the room every new connection is joined to implicitly.
const DefaultRoom = "general"

// Inbound is the envelope for client-to-server events.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope for server-to-client pushes.
type Outbound struct {
	Type  string     `json:"type"`
	Data  any        `json:"data,omitempty"`
	Error *WireError `json:"error,omitempty"`
}

// WireError is the serialized form of a rejected operation.
type WireError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// IdentifyPayload claims a username for the session and optionally records a
// display picture. No uniqueness is enforced; the last identify wins.
type IdentifyPayload struct {
	User       string `json:"user" validate:"required,max=64"`
	ProfilePic string `json:"profilePic,omitempty" validate:"omitempty,max=2048"`
}

// RoomPayload names the room to join or leave. The 0x3A exclusion keeps the
// ':' key separator of the message log out of room names.
type RoomPayload struct {
	Room string `json:"room" validate:"required,max=64,excludesall=0x3A"`
}

// SendPayload carries a message to a room. Room is optional and defaults to
// DefaultRoom.
type SendPayload struct {
	Room string `json:"room,omitempty" validate:"omitempty,max=64,excludesall=0x3A"`
	Text string `json:"text" validate:"required"`
}

// RoomListPayload is pushed whenever a session's membership changes.
type RoomListPayload struct {
	Rooms []string `json:"rooms"`
}

// validate checks struct tags on event and request payloads.
var validate = validator.New()
