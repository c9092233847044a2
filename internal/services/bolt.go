package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/convsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend. Each scope lives in its own bucket
// and every user's record is a single JSON value keyed by the user ID, so writes are whole-record
// and last write wins.
type BoltDB struct {
	db *bolt.DB
}

var (
	conversationsBucket = []byte("conversations")
	buttonsBucket       = []byte("buttons")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, buttonsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Conversation retrieves the stored conversation of userID. The boolean result is false if the
// user has no stored conversation.
func (b BoltDB) Conversation(_ context.Context, userID string) (models.ConversationState, bool, error) {
	var state models.ConversationState
	found, err := b.get(conversationsBucket, userID, &state)
	if err != nil {
		return models.ConversationState{}, false, err
	}
	return state, found, nil
}

// SetConversation overwrites the stored conversation of userID.
func (b BoltDB) SetConversation(_ context.Context, userID string, state models.ConversationState) error {
	return b.put(conversationsBucket, userID, state)
}

// AppendMessage appends msg to the stored conversation of userID, starting from the default
// conversation if none is stored. It reports whether the message was added; a message whose ID
// is already stored leaves the conversation untouched.
func (b BoltDB) AppendMessage(
	_ context.Context,
	userID string,
	msg models.Message,
) (models.ConversationState, bool, error) {
	var (
		state models.ConversationState
		added bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(conversationsBucket)
		if bk == nil {
			return fmt.Errorf("bucket %s is missing", conversationsBucket)
		}

		state = models.DefaultConversation()
		if v := bk.Get([]byte(userID)); v != nil {
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		}

		added = state.Append(msg)
		if !added {
			return nil
		}

		v, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bk.Put([]byte(userID), v)
	})
	if err != nil {
		return models.ConversationState{}, false, err
	}
	return state, added, nil
}

// DeleteConversation removes the stored conversation of userID. Deleting a missing record is not
// an error.
func (b BoltDB) DeleteConversation(_ context.Context, userID string) error {
	return b.delete(conversationsBucket, userID)
}

// Buttons retrieves the stored button state of userID.
func (b BoltDB) Buttons(_ context.Context, userID string) (models.ButtonState, bool, error) {
	var state models.ButtonState
	found, err := b.get(buttonsBucket, userID, &state)
	if err != nil {
		return models.ButtonState{}, false, err
	}
	return state, found, nil
}

// UpdateButtons merges patch over the stored button state of userID, or over the default button
// state if none is stored, inside a single transaction.
func (b BoltDB) UpdateButtons(_ context.Context, userID string, patch models.ButtonPatch) (models.ButtonState, error) {
	var merged models.ButtonState
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(buttonsBucket)
		if bk == nil {
			return fmt.Errorf("bucket %s is missing", buttonsBucket)
		}

		current := models.DefaultButtons()
		if v := bk.Get([]byte(userID)); v != nil {
			if err := json.Unmarshal(v, &current); err != nil {
				return fmt.Errorf("failed to unmarshal buttons: %w", err)
			}
		}

		merged = current.Merge(patch)
		v, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal buttons: %w", err)
		}
		return bk.Put([]byte(userID), v)
	})
	if err != nil {
		return models.ButtonState{}, err
	}
	return merged, nil
}

// DeleteButtons removes the stored button state of userID.
func (b BoltDB) DeleteButtons(_ context.Context, userID string) error {
	return b.delete(buttonsBucket, userID)
}

func (b BoltDB) get(bucket []byte, key string, dst any) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}

		v := bk.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", bucket, err)
		}
		return nil
	})
	return found, err
}

func (b BoltDB) put(bucket []byte, key string, value any) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return fmt.Errorf("bucket %s is missing", bucket)
		}

		v, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", bucket, err)
		}

		return bk.Put([]byte(key), v)
	})
}

func (b BoltDB) delete(bucket []byte, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(key))
	})
}
