// Package server coordinates session registration, message persistence, and
// room broadcast through the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"roomchat/internal/store"
)

// Hub owns the live-session map and runs the single dispatch loop that
// serializes registration, unregistration, and message sends. Routing every
// send through one loop is what gives each room a total append order that
// broadcast delivery then follows.
//
// Joins and leaves do not pass through the loop; they hit the registry mutex
// directly, so membership traffic is never stalled behind a store write.
type Hub struct {
	registry *RoomRegistry
	messages *store.MessageStore
	log      *slog.Logger

	clients    map[SessionID]*Client
	register   chan *Client
	unregister chan *Client
	send       chan sendRequest

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// sendRequest is one message on its way from a session to a room. Author is
// captured by the session goroutine before enqueueing, so the hub never
// reads mutable session state.
type sendRequest struct {
	sender *Client
	room   string
	author string
	text   string
}

// NewHub creates a hub over the given registry and message store. The
// returned Hub is ready once Run is started in its own goroutine.
func NewHub(registry *RoomRegistry, messages *store.MessageStore, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   registry,
		messages:   messages,
		log:        log,
		clients:    make(map[SessionID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		send:       make(chan sendRequest),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's dispatch loop. It handles session registration and
// unregistration and the append-then-broadcast path for every message. Call
// it in its own goroutine; it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("nil client registration skipped")
				continue
			}
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case req := <-h.send:
			h.handleSend(req)
		}
	}
}

// registerClient adds the session, auto-joins it to the default room, starts
// its pump goroutines, and pushes its initial room list.
func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.registry.Join(client.id, DefaultRoom)
	h.log.Info("session connected", "session", client.id, "addr", client.addr, "total", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	h.pushTo(client, Outbound{Type: PushRoomList, Data: RoomListPayload{Rooms: h.registry.Rooms(client.id)}})
}

// unregisterClient tears the session down: it leaves every room, is removed
// from the live map, and its outbound channel is closed. For a session the
// hub already dropped it still clears the registry, so a join that raced the
// drop cannot leave stale membership edges behind.
func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		h.registry.Disconnect(client.id)
		client.markDisconnected()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.registry.Disconnect(client.id)
	client.markDisconnected()
	// Close the channel after releasing the lock.
	close(client.send)
	h.log.Info("session disconnected", "session", client.id, "addr", client.addr, "total", clientCount)
}

// handleSend appends the message to the store and fans it out to the room's
// current members. The append is the only blocking I/O in the loop and runs
// without any registry lock held. On store failure the sender alone gets an
// error event and nothing is broadcast.
func (h *Hub) handleSend(req sendRequest) {
	message, err := h.messages.Append(req.room, req.author, req.text)
	if err != nil {
		h.log.Error("message append failed", "room", req.room, "author", req.author, "error", err)
		h.pushError(req.sender, appendError(err))
		return
	}
	h.broadcast(message)
}

// appendError translates a store append failure into the wire error
// taxonomy. The store's own input guards are validation failures; anything
// else is a real persistence failure.
func appendError(err error) *ChatError {
	if errors.Is(err, store.ErrEmptyText) || errors.Is(err, store.ErrInvalidRoom) {
		return WrapChatError(CodeValidation, "message rejected", err)
	}
	return WrapChatError(CodePersistence, "message could not be saved", err)
}

// broadcast delivers message to every session currently in its room,
// resolved at this instant. Delivery is best effort per recipient: one full
// or closed channel never blocks the rest and never surfaces to the sender.
func (h *Hub) broadcast(message store.Message) {
	payload, err := json.Marshal(Outbound{Type: PushMessage, Data: message})
	if err != nil {
		h.log.Error("message encode failed", "room", message.Room, "id", message.ID, "error", err)
		return
	}

	members := h.registry.Members(message.Room)
	var clientsToRemove []*Client
	for _, session := range members {
		h.mutex.RLock()
		client := h.clients[session]
		h.mutex.RUnlock()
		if client == nil {
			// Disconnected between membership resolution and delivery.
			continue
		}
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	h.log.Debug("message broadcast", "room", message.Room, "id", message.ID, "recipients", len(members))
	h.removeFailedClients(clientsToRemove)
}

// safeSend attempts a non-blocking delivery to one session's outbound
// channel. It reports false for sessions that are gone or whose buffer is
// full.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("recovered from send on closed channel", "session", client.id, "panic", r)
		}
	}()

	// Hold the lock during the send so unregistration cannot close the
	// channel mid-delivery.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, ok := h.clients[client.id]; !ok || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// pushTo marshals and delivers one push to a single session, best effort.
func (h *Hub) pushTo(client *Client, out Outbound) {
	payload, err := json.Marshal(out)
	if err != nil {
		h.log.Error("push encode failed", "session", client.id, "type", out.Type, "error", err)
		return
	}
	h.safeSend(client, payload)
}

// pushError delivers an error event to the originating session only.
func (h *Hub) pushError(client *Client, chatErr *ChatError) {
	h.pushTo(client, Outbound{
		Type:  PushError,
		Error: &WireError{Code: string(chatErr.Code), Msg: chatErr.Message},
	})
}

// removeFailedClients drops sessions whose outbound buffer stayed full and
// closes their channels, which lets their write pumps wind down.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	var removed []*Client
	for _, client := range clientsToRemove {
		if _, ok := h.clients[client.id]; ok {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			removed = append(removed, client)
			h.log.Warn("session dropped, send buffer full", "session", client.id, "addr", client.addr)
		}
	}
	h.mutex.Unlock()

	for i, ch := range channelsToClose {
		h.registry.Disconnect(removed[i].id)
		removed[i].markDisconnected()
		close(ch)
	}
}

// shutdownClients closes every live connection during hub shutdown.
func (h *Hub) shutdownClients() {
	h.log.Info("closing all session connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("error closing session connection", "session", client.id, "error", err)
			}
		}
	}

	h.log.Info("session connections closed", "count", len(clients))
}

// Shutdown stops the dispatch loop and waits for client goroutines to finish
// or the timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("hub shutdown initiated")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out, goroutines may still be running")
		return context.DeadlineExceeded
	}
}
