package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultInstanceCacheTTL = 30 * time.Second
	instanceCachePrefix     = "orchestrator:instance"
)

type cachedInstance struct {
	ID         string                `json:"id"`
	BrokerType domain.BrokerType     `json:"brokerType"`
	AuthToken  string                `json:"authToken"`
	Status     domain.InstanceStatus `json:"status"`
}

// RedisInstanceCache keeps instances in Redis for a short TTL so hot send
// paths skip the database.
type RedisInstanceCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisInstanceCache(client *goredis.Client, ttl time.Duration) (*RedisInstanceCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultInstanceCacheTTL
	}
	return &RedisInstanceCache{client: client, ttl: ttl}, nil
}

// Get reports a miss as domain.ErrNotFound.
func (c *RedisInstanceCache) Get(ctx context.Context, id string) (*domain.Instance, error) {
	payload, err := c.client.Get(ctx, instanceCacheKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached instance: %w", err)
	}

	var cached cachedInstance
	if err := json.Unmarshal(payload, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached instance: %w", err)
	}

	return &domain.Instance{
		ID:         cached.ID,
		BrokerType: cached.BrokerType,
		AuthToken:  cached.AuthToken,
		Status:     cached.Status,
	}, nil
}

func (c *RedisInstanceCache) Set(ctx context.Context, instance *domain.Instance) error {
	if instance == nil {
		return nil
	}

	payload, err := json.Marshal(cachedInstance{
		ID:         instance.ID,
		BrokerType: instance.BrokerType,
		AuthToken:  instance.AuthToken,
		Status:     instance.Status,
	})
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	if err := c.client.Set(ctx, instanceCacheKey(instance.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache instance: %w", err)
	}
	return nil
}

func (c *RedisInstanceCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, instanceCacheKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached instance: %w", err)
	}
	return nil
}

func instanceCacheKey(id string) string {
	return instanceCachePrefix + ":" + strings.TrimSpace(id)
}
