// Package store implements the append-only, room-partitioned message log
// with time-ordered retrieval on top of BadgerDB.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	messageKeyPrefix = "msg:"
	messageSeqKey    = "seq:msg"

	// seqBandwidth is the number of ids Badger leases per disk round trip.
	// Unused ids in a lease are abandoned on restart, which keeps ids
	// monotonic and never reused at the cost of gaps.
	seqBandwidth = 128
)

// Message is an immutable chat message. Once Append returns it, nothing in
// the system mutates it again; history readers and broadcast recipients see
// the same value.
type Message struct {
	ID        uint64    `json:"id"`
	Room      string    `json:"room"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore is the durable, room-partitioned message log.
//
// The key for each record is "msg:{room}:{nanos:019d}:{id:020d}". The zero
// padding makes lexicographic key order equal (createdAt, id) order, so a
// forward prefix scan over one room yields history oldest first with a
// deterministic tie-break when timestamps collide.
type MessageStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// NewMessageStore creates a message store on top of an open Badger database.
// Call Close when done so the id sequence releases its lease.
func NewMessageStore(db *badger.DB, log *slog.Logger) (*MessageStore, error) {
	seq, err := db.GetSequence([]byte(messageSeqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("message id sequence: %w", err)
	}
	return &MessageStore{db: db, seq: seq, log: log}, nil
}

// Close releases the message id sequence lease.
func (s *MessageStore) Close() error {
	return s.seq.Release()
}

// Append validates, timestamps, and persists one message and returns the
// stored value. Text that is empty after trimming is rejected with
// ErrEmptyText and nothing is written. The assigned id is monotonic across
// restarts and never reused.
func (s *MessageStore) Append(room, author, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	if !validRoomKey(room) {
		return Message{}, ErrInvalidRoom
	}

	id, err := s.seq.Next()
	if err != nil {
		return Message{}, fmt.Errorf("next message id: %w", err)
	}
	message := Message{
		ID:        id,
		Room:      room,
		Author:    author,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	value, err := json.Marshal(message)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	key := messageKey(room, message.CreatedAt, message.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}

	s.log.Debug("message appended", "room", room, "id", message.ID, "author", author)
	return message, nil
}

// History returns every message ever appended to room, oldest first. Rooms
// that were never written to yield an empty slice. Repeated calls only ever
// extend previously returned results; stored records are never reordered.
func (s *MessageStore) History(room string) ([]Message, error) {
	if !validRoomKey(room) {
		return nil, ErrInvalidRoom
	}

	messages := []Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(room)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var message Message
				if err := json.Unmarshal(value, &message); err != nil {
					return fmt.Errorf("decode message %s: %w", it.Item().Key(), err)
				}
				messages = append(messages, message)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history for %q: %w", room, err)
	}
	return messages, nil
}

func messageKey(room string, at time.Time, id uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%019d:%020d", messageKeyPrefix, room, at.UnixNano(), id)
}

func roomPrefix(room string) []byte {
	return fmt.Appendf(nil, "%s%s:", messageKeyPrefix, room)
}

// validRoomKey rejects room names that would break the key layout. The ':'
// separator is the only structural character; everything else is the
// transport layer's problem.
func validRoomKey(room string) bool {
	return room != "" && !strings.Contains(room, ":")
}
