package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fieldtrace/fieldtrace/internal/models"
)

const keyPrefix = "ftrace:relay:"

// RedisStore keeps relay buffers in Redis so several backend instances can
// share them. Buffers expire with the session TTL.
type RedisStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisStore connects to addr and verifies the connection with a ping.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.PendingRelayBuffer, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var buf models.PendingRelayBuffer
	if err := json.Unmarshal(raw, &buf); err != nil {
		return nil, fmt.Errorf("decode relay buffer: %w", err)
	}
	return &buf, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, buf *models.PendingRelayBuffer) error {
	if buf == nil {
		return s.Clear(ctx, key)
	}
	raw, err := json.Marshal(buf)
	if err != nil {
		return fmt.Errorf("encode relay buffer: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

// Reload is a no-op: every Get already reads the backend.
func (s *RedisStore) Reload(context.Context, string) error { return nil }

func (s *RedisStore) Close() error { return s.rdb.Close() }
