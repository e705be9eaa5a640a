package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) StoreSent(ctx context.Context, jobID, providerMessageID string, sentAt time.Time) error {
	key := fmt.Sprintf("msg:%s", jobID)
	val := receipt{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}

func (c *RedisCache) IncrSent(ctx context.Context) (int64, error) {
	return c.rdb.Incr(ctx, sentTotalKey).Result()
}

func (c *RedisCache) SentTotal(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, sentTotalKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
