package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/models"
)

// ErrNoDecision is returned when no market decision snapshot is cached.
var ErrNoDecision = errors.New("no market decision cached")

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the Redis client with lease and market decision operations
type Client struct {
	rdb *redis.Client
}

// New creates a new Redis client
func New(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Credential lease operations

func leaseKey(key string) string {
	return "lease:credential:" + key
}

// TryLock sets the lease for key to token if nobody holds it. The ttl bounds
// how long a crashed holder can block others.
func (c *Client) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases the lease if token still owns it.
func (c *Client) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{leaseKey(key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Market decision snapshot

// SetMarketDecision caches the latest decision as JSON
func (c *Client) SetMarketDecision(ctx context.Context, key string, d models.MarketDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal market decision: %w", err)
	}
	return c.rdb.Set(ctx, key, data, 0).Err()
}

// MarketDecision reads the cached decision. Callers must not hold it across
// signals; it is read fresh for each execution.
func (c *Client) MarketDecision(ctx context.Context, key string) (models.MarketDecision, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.MarketDecision{}, ErrNoDecision
	}
	if err != nil {
		return models.MarketDecision{}, fmt.Errorf("failed to read market decision: %w", err)
	}

	var d models.MarketDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return models.MarketDecision{}, fmt.Errorf("failed to unmarshal market decision: %w", err)
	}
	return d, nil
}
