package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"smartretail/pos/internal/domain"
)

type RedisProductPageCache struct {
	client *redis.Client
}

func NewRedisProductPageCache(addr string, password string, db int) *RedisProductPageCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisProductPageCache{client: client}
}

func (c *RedisProductPageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisProductPageCache) Close() error {
	return c.client.Close()
}

func (c *RedisProductPageCache) Get(ctx context.Context, key string) (*domain.ProductPage, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var page domain.ProductPage
	if err := json.Unmarshal([]byte(val), &page); err != nil {
		return nil, false, err
	}
	return &page, true, nil
}

func (c *RedisProductPageCache) Set(ctx context.Context, key string, value *domain.ProductPage, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
