package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror adapts *redis.Client to the Mirror interface.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror dials addr (REDIS_URL's host:port form). Connection
// errors surface on first Set/Get, not here, consistent with
// go-redis's lazy-connect client.
func NewRedisMirror(addr, password string, db int) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.client.Set(ctx, key, value, ttl).Err()
}

func (m *RedisMirror) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := m.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// Close releases the underlying connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
