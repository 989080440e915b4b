// Package cache keeps recently computed ETAs close to polling readers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func etaKey(tokenID string) string {
	return "token:" + tokenID + ":eta"
}

// Redis stores ETAs under token:{id}:eta with a TTL.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) GetETA(ctx context.Context, tokenID string) (int, bool, error) {
	raw, err := r.client.Get(ctx, etaKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get eta from cache: %w", err)
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode cached eta %q: %w", raw, err)
	}
	return minutes, true, nil
}

func (r *Redis) SetETA(ctx context.Context, tokenID string, minutes int, ttl time.Duration) error {
	if err := r.client.Set(ctx, etaKey(tokenID), strconv.Itoa(minutes), ttl).Err(); err != nil {
		return fmt.Errorf("set eta in cache: %w", err)
	}
	return nil
}

// Nop never stores anything.
type Nop struct{}

func (Nop) GetETA(context.Context, string) (int, bool, error)        { return 0, false, nil }
func (Nop) SetETA(context.Context, string, int, time.Duration) error { return nil }

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
