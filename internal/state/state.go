package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	cursorsBucket = []byte("cursors")

	activeConversationKey = []byte("active_conversation")
)

// State wraps a bbolt database holding per-session view bookkeeping:
// the last active conversation and per-conversation read cursors.
// Message bodies are never stored here; the backend owns durability.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(cursorsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ActiveConversation returns the conversation that was active when the
// last session ended, or empty string.
func (s *State) ActiveConversation() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(activeConversationKey)
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetActiveConversation persists the active conversation id.
func (s *State) SetActiveConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(activeConversationKey, []byte(id))
	})
}

// LastSeen returns the id of the last message observed in a
// conversation, or empty string.
func (s *State) LastSeen(conversationID string) string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get([]byte(conversationID))
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetLastSeen records the read cursor for a conversation.
func (s *State) SetLastSeen(conversationID, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put([]byte(conversationID), []byte(messageID))
	})
}
