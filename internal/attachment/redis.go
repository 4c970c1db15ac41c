// ABOUTME: Redis attachment backend so several instances share cache ids
// ABOUTME: SETNX on the key mapping guarantees one id per (message, part)

package attachment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default: "conclave:attachment:").
	Prefix string
}

// RedisBackend stores attachments in Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "conclave:attachment:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// keyFor puts the part index first; it never contains a colon, so no two
// keys share an encoding whatever the message id contains.
func (r *RedisBackend) keyFor(key Key) string {
	return r.prefix + "key:" + strconv.Itoa(key.Part) + ":" + key.MessageID
}

func (r *RedisBackend) blobFor(id string) string {
	return r.prefix + "blob:" + id
}

func (r *RedisBackend) Intern(ctx context.Context, key Key, blob Blob) (string, error) {
	mapKey := r.keyFor(key)

	id, err := r.client.Get(ctx, mapKey).Result()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("looking up %s: %w", key, err)
	}

	candidate := uuid.New().String()
	if err := r.client.HSet(ctx, r.blobFor(candidate), "data", blob.Data, "mime", blob.MimeType).Err(); err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}

	won, err := r.client.SetNX(ctx, mapKey, candidate, 0).Result()
	if err != nil {
		return "", fmt.Errorf("claiming %s: %w", key, err)
	}
	if won {
		return candidate, nil
	}

	// Another writer claimed the key first; use its id.
	_ = r.client.Del(ctx, r.blobFor(candidate)).Err()
	id, err = r.client.Get(ctx, mapKey).Result()
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", key, err)
	}
	return id, nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) (Blob, error) {
	fields, err := r.client.HGetAll(ctx, r.blobFor(id)).Result()
	if err != nil {
		return Blob{}, fmt.Errorf("loading blob %s: %w", id, err)
	}
	data, ok := fields["data"]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return Blob{Data: []byte(data), MimeType: fields["mime"]}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
