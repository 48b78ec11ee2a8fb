package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisConfig holds configuration for the Redis guard
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisGuard shares the in-flight flag between replicas. The TTL bounds how long a crashed holder blocks a session.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisGuard connects to Redis and verifies the connection
func NewRedisGuard(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cleancity:submit:"
	}

	return &RedisGuard{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}, nil
}

func (g *RedisGuard) key(k string) string {
	return g.prefix + k
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, g.key(key), token, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire submission guard: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (g *RedisGuard) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, g.client, []string{g.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release submission guard: %w", err)
	}
	return nil
}

// HealthCheck pings Redis
func (g *RedisGuard) HealthCheck(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

var _ Guard = (*RedisGuard)(nil)
