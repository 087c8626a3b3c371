package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/victorivanov/retrosync/internal/models"
)

// Client wraps a Redis connection for event relay and rate limiting.
type Client struct {
	rdb *goredis.Client
}

// NewClient creates a Redis client from a URL and verifies the connection.
func NewClient(redisURL string) (*Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Publish sends ev to every channel subscribed to topic and returns how many
// received it.
func (c *Client) Publish(ctx context.Context, topic string, ev models.Event) (int64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encoding event: %w", err)
	}
	n, err := c.rdb.Publish(ctx, topic, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return n, nil
}

// rateLimitScript counts one hit in a fixed window, starting the window on
// the first hit, and returns {count, pttl}.
var rateLimitScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// RateWindow is the state of one rate-limit window after a hit.
type RateWindow struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is the time until the window starts over.
	ResetIn time.Duration
}

// CheckRateLimit records a hit on key and reports whether it fits in limit
// hits per window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateWindow, error) {
	res, err := rateLimitScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateWindow{}, fmt.Errorf("checking rate limit: %w", err)
	}
	if len(res) != 2 {
		return RateWindow{}, fmt.Errorf("checking rate limit: unexpected reply %v", res)
	}

	count, resetIn := int(res[0]), time.Duration(res[1])*time.Millisecond
	if resetIn < 0 {
		resetIn = window
	}
	return RateWindow{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetIn:   resetIn,
	}, nil
}
