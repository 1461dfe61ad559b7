package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisResultCache caches completed results under
// <prefix><len(provider)>:<provider>:<event id> with a TTL. The length keeps
// providers that contain ':' from sharing keys with other pairs.
type RedisResultCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisResultCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisResultCache {
	if prefix == "" {
		prefix = "exactlyonce:webhook:result:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisResultCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisResultCache) key(provider, eventID string) string {
	return c.prefix + strconv.Itoa(len(provider)) + ":" + provider + ":" + eventID
}

func (c *RedisResultCache) Get(ctx context.Context, provider, eventID string) (json.RawMessage, bool, error) {
	b, err := c.client.Get(ctx, c.key(provider, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(b), true, nil
}

func (c *RedisResultCache) Set(ctx context.Context, provider, eventID string, result json.RawMessage) error {
	return c.client.Set(ctx, c.key(provider, eventID), []byte(result), c.ttl).Err()
}
