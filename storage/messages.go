package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskhub/domain"
)

const messageKeyPrefix = "messages:"

// MessageStore keeps chat history in redis, one capped list per room.
type MessageStore struct {
	client *redis.Client
	limit  int64
	ttl    time.Duration
}

// NewMessageStore creates a store keeping at most limit messages per room.
// A zero ttl keeps history indefinitely.
func NewMessageStore(client *redis.Client, limit int64, ttl time.Duration) *MessageStore {
	if limit <= 0 {
		limit = 500
	}
	return &MessageStore{client: client, limit: limit, ttl: ttl}
}

func (m *MessageStore) key(room string) string { return messageKeyPrefix + room }

// Append persists one message at the tail of the room's list and trims the
// list to the configured cap.
func (m *MessageStore) Append(ctx context.Context, room string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, m.key(room), data)
		pipe.LTrim(ctx, m.key(room), -m.limit, -1)
		if m.ttl > 0 {
			pipe.Expire(ctx, m.key(room), m.ttl)
		}
		return nil
	})
	return err
}

// LoadRecent returns up to n most recent messages for a room, oldest first.
func (m *MessageStore) LoadRecent(ctx context.Context, room string, n int64) ([]domain.Message, error) {
	if n <= 0 || n > m.limit {
		n = m.limit
	}
	raw, err := m.client.LRange(ctx, m.key(room), -n, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
