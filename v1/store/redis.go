package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Store using a Redis backend.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// SetNX implements Store.SetNX.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Del implements Store.Del.
func (r *Redis) Del(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LPush implements Store.LPush.
func (r *Redis) LPush(ctx context.Context, key, value string) error {
	return r.client.LPush(ctx, key, value).Err()
}

// Expire implements Store.Expire.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// Ping implements Store.Ping.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
