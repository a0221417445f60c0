package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	if expiry > 0 {
		c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	} else {
		c.logger.Debug("redis SET", "key", key)
	}
	return nil
}

// Get retrieves a value by key. Missing keys return ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", ErrNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = fmt.Errorf("redis: key not found")

// GetMultiple retrieves multiple keys using pipeline (single network round-trip)
// Returns a map of key -> value. Keys that don't exist are omitted from result.
func (c *Client) GetMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return make(map[string]string), nil
	}

	pipe := c.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))

	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		c.logger.Error("redis pipeline GET failed", "key_count", len(keys), "error", err)
		return nil, fmt.Errorf("failed to get multiple keys: %w", err)
	}

	result := make(map[string]string)
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			c.logger.Warn("redis GET failed for key in pipeline", "key", keys[i], "error", err)
			continue
		}
		result[keys[i]] = val
	}

	c.logger.Debug("redis pipeline GET", "requested", len(keys), "found", len(result))
	return result, nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// ZAdd adds a member with the given score to a sorted set
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := c.redis.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		c.logger.Error("redis ZADD failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to zadd to %s: %w", key, err)
	}
	c.logger.Debug("redis ZADD", "key", key, "member", member)
	return nil
}

// ZRem removes members from a sorted set
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.redis.ZRem(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis ZREM failed", "key", key, "members", members, "error", err)
		return fmt.Errorf("failed to zrem from %s: %w", key, err)
	}
	c.logger.Debug("redis ZREM", "key", key, "members", members)
	return nil
}

// ZRangeAsc returns members of a sorted set by ascending score
func (c *Client) ZRangeAsc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := c.redis.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		c.logger.Error("redis ZRANGE failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to zrange %s: %w", key, err)
	}
	c.logger.Debug("redis ZRANGE", "key", key, "count", len(members))
	return members, nil
}

// ZCard returns the cardinality of a sorted set
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	count, err := c.redis.ZCard(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis ZCARD failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to zcard %s: %w", key, err)
	}
	c.logger.Debug("redis ZCARD", "key", key, "count", count)
	return count, nil
}

// SAdd adds members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.redis.SAdd(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis SADD failed", "key", key, "error", err)
		return fmt.Errorf("failed to sadd to %s: %w", key, err)
	}
	c.logger.Debug("redis SADD", "key", key, "members", members)
	return nil
}

// SRem removes members from a set
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.redis.SRem(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis SREM failed", "key", key, "error", err)
		return fmt.Errorf("failed to srem from %s: %w", key, err)
	}
	c.logger.Debug("redis SREM", "key", key, "members", members)
	return nil
}

// SMembers returns all members of a set
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.redis.SMembers(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis SMEMBERS failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	c.logger.Debug("redis SMEMBERS", "key", key, "count", len(members))
	return members, nil
}
