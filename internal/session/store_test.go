package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	return NewStore(filepath.Join(t.TempDir(), "session.json"), zerolog.Nop())
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(StoredSession{RoomID: "alpha", PlayerName: "Alice"}))

	sess, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", sess.RoomID)
	assert.Equal(t, "Alice", sess.PlayerName)
	assert.WithinDuration(t, time.Now(), sess.SavedAt, time.Minute)
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ExpiredSessionCleared(t *testing.T) {
	s := newTestStore(t)
	s.ttl = 10 * time.Millisecond

	require.NoError(t, s.Save(StoredSession{RoomID: "alpha", PlayerName: "Alice"}))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	// The expired record is gone from disk too.
	_, statErr := os.Stat(s.path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_CorruptFileCleared(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0o600))

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ClearIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(StoredSession{RoomID: "alpha", PlayerName: "Alice"}))
	assert.NoError(t, s.Clear())
	assert.NoError(t, s.Clear())

	_, ok, _ := s.Load()
	assert.False(t, ok)
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(StoredSession{RoomID: "alpha", PlayerName: "Alice"}))
	require.NoError(t, s.Save(StoredSession{RoomID: "beta", PlayerName: "Alice"}))

	sess, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "beta", sess.RoomID)
}
