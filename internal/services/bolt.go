package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrChatNotFound is returned by the stores when the requested chat does not exist.
var ErrChatNotFound = models.ErrChatNotFound

var chatsBucket = []byte("chats")

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of chats and
// messages. It provides atomic operations for managing chat histories and their associated messages
// through a key-value storage model.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// Chats retrieves all stored chat records, most recently updated first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	chats := []models.Chat{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortChats(chats)
	return chats, nil
}

func sortChats(chats []models.Chat) {
	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

// Chat retrieves the chat with the given ID, or ErrChatNotFound.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return ErrChatNotFound
		}
		if err := json.Unmarshal(v, &chat); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		return nil
	})
	return chat, err
}

// AddChat stores a new chat record in the database and creates an associated message bucket. It
// generates a unique ID for the chat by combining a sequence number with the chat's original ID,
// and returns the new ID or an error if the operation fails. Zero timestamps are set to now.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, chat.ID)
		chat.ID = newID
		stampChat(&chat)

		_, err = tx.CreateBucketIfNotExists(messageBucketName(chat.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bk.Put([]byte(newID), v)
	})
	if err != nil {
		return "", err
	}

	return newID, nil
}

func stampChat(chat *models.Chat) {
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}
}

// UpdateChat replaces an existing chat record. It returns ErrChatNotFound if the chat doesn't exist.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk.Get([]byte(chat.ID)) == nil {
			return ErrChatNotFound
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bk.Put([]byte(chat.ID), v)
	})
}

// DeleteChat removes a chat with all its messages. It returns ErrChatNotFound if the chat doesn't exist.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk.Get([]byte(chatID)) == nil {
			return ErrChatNotFound
		}
		if err := bk.Delete([]byte(chatID)); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		if err := tx.DeleteBucket(messageBucketName(chatID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// DeleteAllChats removes every chat and message.
func (b BoltDB) DeleteAllChats(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		var ids [][]byte
		err := tx.Bucket(chatsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, slices.Clone(k))
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			err := tx.DeleteBucket(messageBucketName(string(id)))
			if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to delete message bucket: %w", err)
			}
		}
		if err := tx.DeleteBucket(chatsBucket); err != nil {
			return fmt.Errorf("failed to delete chats bucket: %w", err)
		}
		_, err = tx.CreateBucket(chatsBucket)
		return err
	})
}

// Messages retrieves all messages associated with the specified chat ID. It returns the messages
// in their stored order or an error if the database operation fails.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrChatNotFound
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the specified chat's message bucket and bumps the chat's
// UpdatedAt. It generates a unique ID for the message by combining a zero-padded sequence number with
// the message's original ID, so keys sort in insertion order, and returns the new ID.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrChatNotFound
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%010d-%s", idPrefix, message.ID)
		message.ID = newID
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now()
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := bk.Put([]byte(newID), v); err != nil {
			return err
		}

		return touchChat(tx, chatID, message.Timestamp)
	})
	if err != nil {
		return "", err
	}

	return newID, nil
}

func touchChat(tx *bolt.Tx, chatID string, at time.Time) error {
	bk := tx.Bucket(chatsBucket)
	v := bk.Get([]byte(chatID))
	if v == nil {
		return nil
	}

	var chat models.Chat
	if err := json.Unmarshal(v, &chat); err != nil {
		return fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	if !at.After(chat.UpdatedAt) {
		return nil
	}
	chat.UpdatedAt = at

	v, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	return bk.Put([]byte(chatID), v)
}

// UpdateMessage modifies an existing message in the specified chat's message bucket. It returns
// ErrChatNotFound if the chat doesn't exist; a message that doesn't exist is ignored.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrChatNotFound
		}

		if bk.Get([]byte(message.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bk.Put([]byte(message.ID), v)
	})
}
