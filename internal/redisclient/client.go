package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const tokenKey = "gateway:access_token"

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetToken returns the shared gateway access token if one is cached
func (c *Client) GetToken(ctx context.Context) (string, bool, error) {
	token, err := c.rdb.Get(ctx, tokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get token: %w", err)
	}
	return token, true, nil
}

// SetToken caches the gateway access token for ttl
func (c *Client) SetToken(ctx context.Context, token string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, tokenKey, token, ttl).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

// DeleteToken drops the cached gateway access token
func (c *Client) DeleteToken(ctx context.Context) error {
	if err := c.rdb.Del(ctx, tokenKey).Err(); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// AcquireLock takes a distributed lock. The returned release func only
// deletes the key while this caller still owns it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := fmt.Sprintf("lock:%s", lockKey)
	owner := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := c.releaseScript.Run(ctx, c.rdb, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", lockKey, err)
		}
		return nil
	}
	return release, true, nil
}
