package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	c := NewFromClient(redis.NewClient(opts))

	// Test connection
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key together with its remaining time to live.
// A missing key is reported with found=false and a nil error. A key with no
// expiry reports ttl=0.
func (c *Client) Get(ctx context.Context, key string) (val []byte, ttl time.Duration, found bool, err error) {
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, 0, false, err
	}

	val, err = get.Bytes()
	if err == redis.Nil {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}

	// PTTL reports -1 for no expiry and -2 for a missing key
	ttl = pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return val, ttl, true, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
