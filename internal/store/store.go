// Package store persists chat messages and user profiles in BadgerDB.
//
// Messages are written as an append-only, room-partitioned log whose key
// layout makes a forward prefix scan return messages in (createdAt, id)
// order. Profiles are simple keyed records. Nothing in this package is ever
// updated in place or deleted.
package store

import (
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Sentinel errors returned by the stores. Callers are expected to match them
// with errors.Is and translate them into their own error vocabulary.
var (
	ErrEmptyText       = errors.New("message text is empty")
	ErrInvalidRoom     = errors.New("invalid room name")
	ErrEmptyUsername   = errors.New("username is empty")
	ErrProfileNotFound = errors.New("profile not found")
)

// Open opens (or creates) the Badger database under dir. Badger's own
// logging is silenced below ERROR so it does not drown the service logs.
func Open(dir string, log *slog.Logger) (*badger.DB, error) {
	options := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	log.Info("opened message database", "dir", dir)
	return db, nil
}
