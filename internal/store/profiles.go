// Package store keeps user display profiles as simple keyed records.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

const profileKeyPrefix = "user:"

// Profile is the display record saved when a user identifies or logs in.
// It carries no authority; the service accepts claimed usernames as-is.
type Profile struct {
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// ProfileStore stores one Profile per username. Upsert overwrites; the last
// writer wins, matching the last-identify-wins session semantics.
type ProfileStore struct {
	db  *badger.DB
	log *slog.Logger
}

// NewProfileStore creates a profile store on top of an open Badger database.
func NewProfileStore(db *badger.DB, log *slog.Logger) *ProfileStore {
	return &ProfileStore{db: db, log: log}
}

// Upsert saves or replaces the profile stored under its username.
func (s *ProfileStore) Upsert(profile Profile) error {
	if profile.Username == "" {
		return ErrEmptyUsername
	}
	value, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(profileKeyPrefix+profile.Username), value)
	})
	if err != nil {
		return fmt.Errorf("store profile %q: %w", profile.Username, err)
	}
	s.log.Debug("profile saved", "username", profile.Username)
	return nil
}

// Lookup returns the profile stored for username, or ErrProfileNotFound.
func (s *ProfileStore) Lookup(username string) (Profile, error) {
	var profile Profile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(profileKeyPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &profile)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %q: %w", username, err)
	}
	return profile, nil
}
