package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements the Store interface on a Redis server. Chats are JSON strings indexed by a sorted
// set scored by UpdatedAt; messages of a chat live in a hash keyed by message ID, with their insertion
// order kept in a list.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings of the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces every key. It defaults to "reasonchat".
	Prefix string `yaml:"prefix"`
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return Redis{}, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "reasonchat"
	}
	return Redis{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (r Redis) Close() error {
	return r.client.Close()
}

func (r Redis) chatsKey() string             { return r.prefix + ":chats" }
func (r Redis) chatSeqKey() string           { return r.prefix + ":chats:seq" }
func (r Redis) chatKey(id string) string     { return r.prefix + ":chat:" + id }
func (r Redis) messagesKey(id string) string { return r.prefix + ":chat:" + id + ":messages" }
func (r Redis) orderKey(id string) string    { return r.prefix + ":chat:" + id + ":order" }
func (r Redis) msgSeqKey(id string) string   { return r.prefix + ":chat:" + id + ":seq" }

// Chats retrieves all stored chats, most recently updated first.
func (r Redis) Chats(ctx context.Context) ([]models.Chat, error) {
	ids, err := r.client.ZRevRange(ctx, r.chatsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	chats := make([]models.Chat, 0, len(ids))
	if len(ids) == 0 {
		return chats, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.chatKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}

	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var chat models.Chat
		if err := json.Unmarshal([]byte(s), &chat); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		chats = append(chats, chat)
	}
	sortChats(chats)
	return chats, nil
}

// Chat retrieves the chat with the given ID, or ErrChatNotFound.
func (r Redis) Chat(ctx context.Context, chatID string) (models.Chat, error) {
	v, err := r.client.Get(ctx, r.chatKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to get chat: %w", err)
	}

	var chat models.Chat
	if err := json.Unmarshal([]byte(v), &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return chat, nil
}

// AddChat stores a new chat under an ID made of a sequence number and the chat's original ID.
func (r Redis) AddChat(ctx context.Context, chat models.Chat) (string, error) {
	seq, err := r.client.Incr(ctx, r.chatSeqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get next sequence: %w", err)
	}
	chat.ID = fmt.Sprintf("%d-%s", seq, chat.ID)
	stampChat(&chat)

	if err := r.putChat(ctx, chat); err != nil {
		return "", err
	}
	return chat.ID, nil
}

func (r Redis) putChat(ctx context.Context, chat models.Chat) error {
	v, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.chatKey(chat.ID), v, 0)
		p.ZAdd(ctx, r.chatsKey(), redis.Z{Score: float64(chat.UpdatedAt.UnixMilli()), Member: chat.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store chat: %w", err)
	}
	return nil
}

// UpdateChat replaces an existing chat. It returns ErrChatNotFound if the chat doesn't exist.
func (r Redis) UpdateChat(ctx context.Context, chat models.Chat) error {
	n, err := r.client.Exists(ctx, r.chatKey(chat.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check chat: %w", err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return r.putChat(ctx, chat)
}

// DeleteChat removes a chat with all its messages. It returns ErrChatNotFound if the chat doesn't exist.
func (r Redis) DeleteChat(ctx context.Context, chatID string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, r.chatKey(chatID))
		p.Del(ctx, r.messagesKey(chatID), r.orderKey(chatID), r.msgSeqKey(chatID))
		p.ZRem(ctx, r.chatsKey(), chatID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if del.Val() == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteAllChats removes every chat and message.
func (r Redis) DeleteAllChats(ctx context.Context) error {
	ids, err := r.client.ZRange(ctx, r.chatsKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}

	keys := []string{r.chatsKey()}
	for _, id := range ids {
		keys = append(keys, r.chatKey(id), r.messagesKey(id), r.orderKey(id), r.msgSeqKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete chats: %w", err)
	}
	return nil
}

// Messages retrieves the messages of a chat in insertion order.
func (r Redis) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	if _, err := r.Chat(ctx, chatID); err != nil {
		return nil, err
	}

	ids, err := r.client.LRange(ctx, r.orderKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]models.Message, 0, len(ids))
	if len(ids) == 0 {
		return messages, nil
	}

	vals, err := r.client.HMGet(ctx, r.messagesKey(chatID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var message models.Message
		if err := json.Unmarshal([]byte(s), &message); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// AddMessage appends a message to a chat and bumps the chat's UpdatedAt.
func (r Redis) AddMessage(ctx context.Context, chatID string, message models.Message) (string, error) {
	chat, err := r.Chat(ctx, chatID)
	if err != nil {
		return "", err
	}

	seq, err := r.client.Incr(ctx, r.msgSeqKey(chatID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get next sequence: %w", err)
	}
	message.ID = fmt.Sprintf("%010d-%s", seq, message.ID)
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	v, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.messagesKey(chatID), message.ID, v)
		p.RPush(ctx, r.orderKey(chatID), message.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	if message.Timestamp.After(chat.UpdatedAt) {
		chat.UpdatedAt = message.Timestamp
		if err := r.putChat(ctx, chat); err != nil {
			return "", err
		}
	}
	return message.ID, nil
}

// UpdateMessage replaces an existing message of a chat; a message that doesn't exist is ignored.
func (r Redis) UpdateMessage(ctx context.Context, chatID string, message models.Message) error {
	ok, err := r.client.HExists(ctx, r.messagesKey(chatID), message.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check message: %w", err)
	}
	if !ok {
		n, err := r.client.Exists(ctx, r.chatKey(chatID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check chat: %w", err)
		}
		if n == 0 {
			return ErrChatNotFound
		}
		return nil
	}

	v, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.client.HSet(ctx, r.messagesKey(chatID), message.ID, v).Err(); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}
