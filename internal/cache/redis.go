package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror mirrors cache entries to Redis with per-key TTLs. Writes are
// last-writer-wins; the in-memory cache stays authoritative for reads.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, addr, password string, db int) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisMirror{client: client}, nil
}

// NewRedisMirrorFromClient wraps an existing client; tests hand in miniredis.
func NewRedisMirrorFromClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return m.client.Set(ctx, key, payload, ttl).Err()
}

func (m *RedisMirror) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (m *RedisMirror) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, key).Err()
}

// Close releases the connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
