package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// velocityScript maintains a sliding window in a sorted set: trims
// expired members, records the new observation, then returns the
// windowed count and amount sum in one round trip.
var velocityScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
	redis.call('ZADD', KEYS[1], now, ARGV[3])
	redis.call('PEXPIRE', KEYS[1], window)
	local members = redis.call('ZRANGE', KEYS[1], 0, -1)
	local sum = 0
	for _, m in ipairs(members) do
		sum = sum + tonumber(string.match(m, '^([^|]+)'))
	end
	return {#members, tostring(sum)}
`)

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// AddVelocity records an observation atomically and returns the
// windowed count and amount sum after the increment.
func (c *RedisCache) AddVelocity(ctx context.Context, tenantID string, key string, amount float64, window time.Duration) (int64, float64, error) {
	if tenantID == "" {
		return 0, 0, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "velocity:"+key)

	// Member encodes the amount; the uuid suffix keeps simultaneous
	// identical amounts distinct in the set.
	member := fmt.Sprintf("%g|%s", amount, uuid.NewString())

	result, err := velocityScript.Run(ctx, c.client, []string{fullKey},
		time.Now().UnixMilli(), window.Milliseconds(), member).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected velocity script result: %v", result)
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected velocity count type: %T", result[0])
	}
	sumStr, ok := result[1].(string)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected velocity sum type: %T", result[1])
	}
	sum, err := strconv.ParseFloat(sumStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse velocity sum: %w", err)
	}

	return count, sum, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "kestrel:" + tenantID + ":" + key
}
