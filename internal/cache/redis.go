package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache is the Store backed by Redis
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", addr).Int("db", db).Msg("Connected to Redis")

	return &RedisCache{rdb: rdb}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.HDel(ctx, RegistryKey, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (c *RedisCache) Register(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode registry entry: %w", err)
	}

	if err := c.rdb.HSet(ctx, RegistryKey, key, raw).Err(); err != nil {
		return fmt.Errorf("failed to register %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, m Match) (int, error) {
	registry, err := c.rdb.HGetAll(ctx, RegistryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read registry: %w", err)
	}

	var matched []string
	removed := 0
	for key, raw := range registry {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable registry entry")
			matched = append(matched, key)
			continue
		}
		if m.Matches(entry) {
			matched = append(matched, key)
			removed++
		}
	}

	if len(matched) == 0 {
		return 0, nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, matched...)
	pipe.HDel(ctx, RegistryKey, matched...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to invalidate entries: %w", err)
	}

	return removed, nil
}

func (c *RedisCache) Prune(ctx context.Context) (int, error) {
	keys, err := c.rdb.HKeys(ctx, RegistryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read registry: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := c.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		exists[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to check registered keys: %w", err)
	}

	var dead []string
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			dead = append(dead, keys[i])
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}

	if err := c.rdb.HDel(ctx, RegistryKey, dead...).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune registry: %w", err)
	}
	return len(dead), nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
