package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"periskope/chatsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// Messages caches resolved messages by id so repeated insert notifications and
// the echo of a local send do not go back to the store. Misses are never cached.
type Messages struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMessages wraps an existing client
func NewMessages(client *redis.Client, prefix string, ttl time.Duration) *Messages {
	if prefix == "" {
		prefix = "chatsync"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Messages{client: client, prefix: prefix, ttl: ttl}
}

// Connect dials Redis and verifies the connection
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (c *Messages) key(messageID string) string {
	return fmt.Sprintf("%s:message:%s", c.prefix, messageID)
}

// Get returns the cached message and whether it was present
func (c *Messages) Get(ctx context.Context, messageID string) (models.MessageWithSender, bool, error) {
	data, err := c.client.Get(ctx, c.key(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.MessageWithSender{}, false, nil
	}
	if err != nil {
		return models.MessageWithSender{}, false, err
	}
	var msg models.MessageWithSender
	if err := json.Unmarshal(data, &msg); err != nil {
		// unreadable entries are treated as misses and dropped
		_ = c.client.Del(ctx, c.key(messageID)).Err()
		return models.MessageWithSender{}, false, nil
	}
	return msg, true, nil
}

// Put stores a confirmed message
func (c *Messages) Put(ctx context.Context, msg models.MessageWithSender) error {
	if msg.ID == "" {
		return errors.New("message id required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(msg.ID), data, c.ttl).Err()
}

// Forget removes a message, e.g. after it was soft-deleted
func (c *Messages) Forget(ctx context.Context, messageID string) error {
	return c.client.Del(ctx, c.key(messageID)).Err()
}
