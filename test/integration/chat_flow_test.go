// Package integration contains end-to-end tests for the roomchat service.
//
// These tests assemble the real stack: a Badger-backed store, a running hub,
// the chi router, and live websocket connections, and verify the complete
// identify/join/send/history flow works as a whole.
package integration

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"

	"roomchat/internal/server"
	"roomchat/internal/store"
)

// envelope mirrors the server's outbound push format for decoding.
type envelope struct {
	Type  string            `json:"type"`
	Data  json.RawMessage   `json:"data,omitempty"`
	Error *server.WireError `json:"error,omitempty"`
}

type service struct {
	httpServer *httptest.Server
	messages   *store.MessageStore
}

func startService(t *testing.T) *service {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	messages, err := store.NewMessageStore(db, log)
	if err != nil {
		t.Fatalf("failed to create message store: %v", err)
	}
	t.Cleanup(func() { _ = messages.Close() })
	profiles := store.NewProfileStore(db, log)

	hub := server.NewHub(server.NewRoomRegistry(), messages, log)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	handlers := server.NewHandlers(hub, messages, profiles, log)
	testServer := httptest.NewServer(server.NewRouter(handlers))
	t.Cleanup(testServer.Close)

	cfg := server.NewConfig()
	cfg.AllowedOrigins = append([]string{testServer.URL}, cfg.AllowedOrigins...)
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	return &service{httpServer: testServer, messages: messages}
}

func (s *service) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(s.httpServer.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	header := http.Header{}
	header.Set("Origin", s.httpServer.URL)

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	if err := conn.WriteJSON(server.Inbound{Type: eventType, Data: data}); err != nil {
		t.Fatalf("failed to write %s event: %v", eventType, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read push: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("failed to decode push %q: %v", raw, err)
	}
	return env
}

func readMessagePush(t *testing.T, conn *websocket.Conn) store.Message {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != server.PushMessage {
		t.Fatalf("expected message push, got %q (%s)", env.Type, env.Data)
	}
	var message store.Message
	if err := json.Unmarshal(env.Data, &message); err != nil {
		t.Fatalf("failed to decode message push: %v", err)
	}
	return message
}

func readRoomList(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != server.PushRoomList {
		t.Fatalf("expected roomList push, got %q (%s)", env.Type, env.Data)
	}
	var roomList server.RoomListPayload
	if err := json.Unmarshal(env.Data, &roomList); err != nil {
		t.Fatalf("failed to decode roomList push: %v", err)
	}
	return roomList.Rooms
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, but received %q", raw)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// TestChatFlow runs the whole happy path: two sessions identify, share a
// room, exchange a message that both receive, and the same message is then
// readable through the history endpoint.
func TestChatFlow(t *testing.T) {
	svc := startService(t)

	alice := svc.dial(t)
	bob := svc.dial(t)

	// Every new connection is auto-joined to "general".
	if rooms := readRoomList(t, alice); len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("unexpected initial room list for alice: %v", rooms)
	}
	if rooms := readRoomList(t, bob); len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("unexpected initial room list for bob: %v", rooms)
	}

	sendEvent(t, alice, server.EventIdentify, server.IdentifyPayload{User: "alice"})
	sendEvent(t, bob, server.EventIdentify, server.IdentifyPayload{User: "bob"})

	sendEvent(t, alice, server.EventJoinRoom, server.RoomPayload{Room: "beta"})
	if rooms := readRoomList(t, alice); len(rooms) != 2 || rooms[0] != "beta" {
		t.Fatalf("unexpected room list after join: %v", rooms)
	}
	sendEvent(t, bob, server.EventJoinRoom, server.RoomPayload{Room: "beta"})
	readRoomList(t, bob)

	sendEvent(t, alice, server.EventSendMessage, server.SendPayload{Room: "beta", Text: "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		message := readMessagePush(t, conn)
		if message.Author != "alice" || message.Text != "hello" || message.Room != "beta" {
			t.Fatalf("unexpected message push: %+v", message)
		}
	}

	resp, err := http.Get(svc.httpServer.URL + "/getMessages/beta")
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from history endpoint, got %d", resp.StatusCode)
	}
	var history []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one message in history, got %d", len(history))
	}
	if history[0]["author"] != "alice" || history[0]["text"] != "hello" {
		t.Fatalf("unexpected history entry: %v", history[0])
	}
}

// TestSendBeforeIdentify verifies an unauthenticated send is rejected with
// an error event and nothing is stored.
func TestSendBeforeIdentify(t *testing.T) {
	svc := startService(t)

	conn := svc.dial(t)
	readRoomList(t, conn)

	sendEvent(t, conn, server.EventSendMessage, server.SendPayload{Text: "sneaky"})

	env := readEnvelope(t, conn)
	if env.Type != server.PushError || env.Error == nil {
		t.Fatalf("expected error push, got %+v", env)
	}
	if env.Error.Code != string(server.CodeUnauthenticated) {
		t.Fatalf("expected unauthenticated error, got %q", env.Error.Code)
	}

	history, err := svc.messages.History("general")
	if err != nil {
		t.Fatalf("history read failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("rejected message was persisted: %+v", history)
	}
}

// TestBlankMessageRejected verifies whitespace-only text is refused with a
// validation error and never appended.
func TestBlankMessageRejected(t *testing.T) {
	svc := startService(t)

	conn := svc.dial(t)
	readRoomList(t, conn)
	sendEvent(t, conn, server.EventIdentify, server.IdentifyPayload{User: "alice"})

	sendEvent(t, conn, server.EventSendMessage, server.SendPayload{Text: "   "})

	env := readEnvelope(t, conn)
	if env.Type != server.PushError || env.Error == nil || env.Error.Code != string(server.CodeValidation) {
		t.Fatalf("expected validation error push, got %+v", env)
	}

	history, err := svc.messages.History("general")
	if err != nil {
		t.Fatalf("history read failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("blank message was persisted: %+v", history)
	}
}

// TestLeaveStopsDelivery verifies a session that left a room no longer
// receives its messages while remaining members still do.
func TestLeaveStopsDelivery(t *testing.T) {
	svc := startService(t)

	alice := svc.dial(t)
	bob := svc.dial(t)
	readRoomList(t, alice)
	readRoomList(t, bob)

	sendEvent(t, alice, server.EventIdentify, server.IdentifyPayload{User: "alice"})
	sendEvent(t, bob, server.EventIdentify, server.IdentifyPayload{User: "bob"})

	sendEvent(t, alice, server.EventJoinRoom, server.RoomPayload{Room: "beta"})
	readRoomList(t, alice)
	sendEvent(t, bob, server.EventJoinRoom, server.RoomPayload{Room: "beta"})
	readRoomList(t, bob)

	sendEvent(t, bob, server.EventLeaveRoom, server.RoomPayload{Room: "beta"})
	readRoomList(t, bob)

	sendEvent(t, alice, server.EventSendMessage, server.SendPayload{Room: "beta", Text: "anyone here?"})

	message := readMessagePush(t, alice)
	if message.Text != "anyone here?" {
		t.Fatalf("unexpected message push: %+v", message)
	}
	expectNoMessage(t, bob, 300*time.Millisecond)
}
