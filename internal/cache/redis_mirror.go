package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dashboard_cache:"

// RedisMirror implements Mirror on top of Redis string keys with expiry.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror connects to redisURL and verifies the connection.
func NewRedisMirror(redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("cache mirror connected", "addr", opts.Addr)
	return &RedisMirror{client: client}, nil
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

// Get returns the stored bytes and their remaining TTL.
func (m *RedisMirror) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := m.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKeyPrefix+key)
	ttlCmd := pipe.PTTL(ctx, redisKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return data, ttlCmd.Val(), true, nil
}

// Set stores data with the given expiry.
func (m *RedisMirror) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return m.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

// Delete removes a key.
func (m *RedisMirror) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, redisKeyPrefix+key).Err()
}

// ClearPrefix deletes every mirrored key starting with prefix.
func (m *RedisMirror) ClearPrefix(ctx context.Context, prefix string) error {
	iter := m.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := m.client.Unlink(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to unlink mirrored keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan mirrored keys: %w", err)
	}
	if len(batch) > 0 {
		if err := m.client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to unlink mirrored keys: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
