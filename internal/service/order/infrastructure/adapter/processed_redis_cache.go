package adapter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedKeyPrefix = "order-saga:processed:"

// ProcessedRedisCache 实现了 port.ProcessedCache 接口。
// 命中时可以跳过一次数据库查询；未命中不代表没处理过。
type ProcessedRedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewProcessedRedisCache(client redis.UniversalClient, ttl time.Duration) *ProcessedRedisCache {
	return &ProcessedRedisCache{client: client, ttl: ttl}
}

// NewRedisClient 根据地址数量创建单机或集群客户端。
func NewRedisClient(addrs []string, password string, db int) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
		DB:       db,
	})
}

func (c *ProcessedRedisCache) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := c.client.Exists(ctx, processedKeyPrefix+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *ProcessedRedisCache) Remember(ctx context.Context, messageID string) error {
	return c.client.Set(ctx, processedKeyPrefix+messageID, 1, c.ttl).Err()
}
