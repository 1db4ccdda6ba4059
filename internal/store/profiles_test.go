package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Profile_Upsert_And_Lookup(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	profiles := NewProfileStore(db, testLogger())

	req.NoError(profiles.Upsert(Profile{Username: "alice", ProfilePic: "https://example.com/a.png"}))

	profile, err := profiles.Lookup("alice")
	req.NoError(err)
	req.Equal("alice", profile.Username)
	req.Equal("https://example.com/a.png", profile.ProfilePic)
}

func Test_Profile_Upsert_Overwrites(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	profiles := NewProfileStore(db, testLogger())

	req.NoError(profiles.Upsert(Profile{Username: "alice", ProfilePic: "old.png"}))
	req.NoError(profiles.Upsert(Profile{Username: "alice", ProfilePic: "new.png"}))

	profile, err := profiles.Lookup("alice")
	req.NoError(err)
	req.Equal("new.png", profile.ProfilePic)
}

func Test_Profile_Lookup_Missing(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	profiles := NewProfileStore(db, testLogger())

	_, err := profiles.Lookup("nobody")
	req.ErrorIs(err, ErrProfileNotFound)
}

func Test_Profile_Empty_Username_Rejected(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	profiles := NewProfileStore(db, testLogger())

	req.ErrorIs(profiles.Upsert(Profile{ProfilePic: "x.png"}), ErrEmptyUsername)
}
