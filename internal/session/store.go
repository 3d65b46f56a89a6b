package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSessionTTL bounds how long a stored session stays eligible for
// automatic rejoin.
const DefaultSessionTTL = 30 * time.Minute

// StoredSession is the on-disk record used to rejoin a room after a process
// restart or page reload.
type StoredSession struct {
	RoomID     string    `json:"room_id"`
	PlayerName string    `json:"player_name"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store persists the active session to a single JSON file. Writes go through
// a temp file and rename so a crash never leaves a half-written record.
type Store struct {
	path string
	ttl  time.Duration
	log  zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) *Store {
	if path == "" {
		path = filepath.Join(os.TempDir(), "llmpostor-session.json")
	}
	return &Store{
		path: path,
		ttl:  DefaultSessionTTL,
		log:  log.With().Str("component", "session_store").Logger(),
	}
}

// Save writes the session record, stamping SavedAt.
func (s *Store) Save(sess StoredSession) error {
	sess.SavedAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.log.Debug().Str("room", sess.RoomID).Msg("session saved")
	return nil
}

// Load returns the stored session if one exists and has not expired. A
// missing file is not an error; an expired or unreadable record is cleared.
func (s *Store) Load() (StoredSession, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return StoredSession{}, false, nil
	}
	if err != nil {
		return StoredSession{}, false, err
	}

	var sess StoredSession
	if err := json.Unmarshal(data, &sess); err != nil {
		s.log.Warn().Err(err).Msg("discarding corrupt session file")
		s.Clear()
		return StoredSession{}, false, nil
	}
	if sess.RoomID == "" || time.Since(sess.SavedAt) > s.ttl {
		s.Clear()
		return StoredSession{}, false, nil
	}
	return sess, true, nil
}

// Clear removes the stored session. Safe to call when none exists.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
