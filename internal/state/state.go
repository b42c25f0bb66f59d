package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.timeline-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// anchoredKeyWidth zero-pads message ids so bolt's byte ordering
	// matches numeric ordering.
	anchoredKeyWidth = 20
)

var (
	appBucket           = []byte("app")
	conversationsBucket = []byte("conversations")
	lastSelectedKey     = []byte("last_selected")
	stateKey            = []byte("state")
)

func convMetaBucket(key string) []byte {
	return []byte("conv:" + key + ":meta")
}

func convMessagesBucket(key string) []byte {
	return []byte("conv:" + key + ":messages")
}

// messageKey returns the bolt key for a message. Anchored messages sort
// by id ahead of local placeholders, which sort after every anchored row.
func messageKey(m models.Message) []byte {
	if m.Anchored() {
		id := strconv.FormatInt(m.ID, 10)
		return []byte("a" + strings.Repeat("0", max(0, anchoredKeyWidth-len(id))) + id)
	}

	return []byte("l" + m.LocalID)
}

func localMessageKey(localID string) []byte {
	return []byte("l" + localID)
}

// ConversationState is the persisted portion of a conversation's sync
// flags. Loading is deliberately absent: an in-flight request does not
// survive a restart.
type ConversationState struct {
	Loaded     bool            `json:"loaded"`
	Cursor     int64           `json:"cursor"`
	HasMore    *bool           `json:"has_more,omitempty"`
	ReadMarker int64           `json:"read_marker"`
	Preview    *models.Message `json:"preview,omitempty"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conversationsBucket)

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

// LastSelected returns the conversation key that was open when the app
// last ran, or empty string.
func (s *State) LastSelected() string {
	var key string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastSelectedKey)
		if v != nil {
			key = string(v)
		}

		return nil
	})

	return key
}

// SetLastSelected persists the currently open conversation key.
func (s *State) SetLastSelected(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastSelectedKey, []byte(key))
	})
}

// ConversationKeys returns every conversation key with persisted state,
// in byte order.
func (s *State) ConversationKeys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// GetConversation returns the persisted flags for a conversation. A
// conversation that was never saved returns the zero state.
func (s *State) GetConversation(key string) (ConversationState, error) {
	var cs ConversationState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convMetaBucket(key))
		if b == nil {
			return nil
		}

		v := b.Get(stateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &cs)
	})

	return cs, err
}

// SetConversation persists the flags for a conversation and registers it
// in the conversation index.
func (s *State) SetConversation(key string, cs ConversationState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureConversation(tx, key)
		if err != nil {
			return err
		}

		data, err := json.Marshal(cs)
		if err != nil {
			return err
		}

		return b.Put(stateKey, data)
	})
}

// PutMessages upserts messages for a conversation and removes local
// placeholders listed in dropLocal, in one transaction.
func (s *State) PutMessages(key string, msgs []models.Message, dropLocal []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := ensureConversation(tx, key); err != nil {
			return err
		}

		b, err := tx.CreateBucketIfNotExists(convMessagesBucket(key))
		if err != nil {
			return err
		}

		for _, localID := range dropLocal {
			if err := b.Delete(localMessageKey(localID)); err != nil {
				return err
			}
		}

		for _, m := range msgs {
			if !m.Anchored() && m.LocalID == "" {
				continue
			}

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put(messageKey(m), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Messages returns all persisted messages for a conversation: anchored
// rows ascending by id, then local placeholders.
func (s *State) Messages(key string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convMessagesBucket(key))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			msgs = append(msgs, m)

			return nil
		})
	})

	return msgs, err
}

// DeleteConversation removes every trace of a conversation.
func (s *State) DeleteConversation(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{convMetaBucket(key), convMessagesBucket(key)} {
			if tx.Bucket(name) == nil {
				continue
			}

			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return tx.Bucket(conversationsBucket).Delete([]byte(key))
	})
}

// MessageCount returns the number of persisted messages for a conversation.
func (s *State) MessageCount(key string) int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convMessagesBucket(key))
		if b != nil {
			count = b.Stats().KeyN
		}

		return nil
	})

	return count
}

func ensureConversation(tx *bolt.Tx, key string) (*bolt.Bucket, error) {
	if err := tx.Bucket(conversationsBucket).Put([]byte(key), []byte{1}); err != nil {
		return nil, err
	}

	return tx.CreateBucketIfNotExists(convMetaBucket(key))
}
