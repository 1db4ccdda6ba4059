// Package server defines the error vocabulary shared by the websocket event
// handlers and the HTTP API.
package server

import "fmt"

// ErrorCode categorizes a rejected operation. The string value is what goes
// over the wire in error events and HTTP error bodies.
type ErrorCode string

const (
	// CodeValidation marks malformed input: empty message text, bad room
	// names, unparseable event payloads. Nothing is persisted.
	CodeValidation ErrorCode = "validation"

	// CodeUnauthenticated marks a message send attempted before identify.
	CodeUnauthenticated ErrorCode = "unauthenticated"

	// CodeInvalidState marks an event received for a session that already
	// disconnected. Such events must not resurrect registry entries.
	CodeInvalidState ErrorCode = "invalid_state"

	// CodePersistence marks a message store failure. The message counts as
	// not sent and is never broadcast.
	CodePersistence ErrorCode = "persistence"
)

// ChatError is a categorized error with an optional wrapped cause.
type ChatError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is / errors.As.
func (e *ChatError) Unwrap() error {
	return e.Err
}

// Is matches two ChatErrors by code, so callers can compare against a bare
// &ChatError{Code: ...} template.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewChatError creates a ChatError with the given code and message.
func NewChatError(code ErrorCode, message string) *ChatError {
	return &ChatError{Code: code, Message: message}
}

// WrapChatError attaches a code and message to an underlying error.
func WrapChatError(code ErrorCode, message string, err error) *ChatError {
	return &ChatError{Code: code, Message: message, Err: err}
}
