package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisCache is a read-through cache in front of another Source. Redis errors
// degrade to the underlying source; concurrent misses for one provider
// collapse into a single load.
type RedisCache struct {
	rdb    redis.Cmdable
	next   Source
	ttl    time.Duration
	prefix string
	logger *slog.Logger
	group  singleflight.Group
}

func NewRedisCache(rdb redis.Cmdable, next Source, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, next: next, ttl: ttl, prefix: "slotbook:provider:", logger: logger}
}

func (c *RedisCache) key(id string) string {
	return c.prefix + id
}

func (c *RedisCache) Provider(ctx context.Context, id string) (model.Provider, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var rec ProviderRecord
		if err := json.Unmarshal(raw, &rec); err == nil {
			if p, err := rec.Provider(); err == nil {
				return p, nil
			}
		}
		c.logger.Warn("provider cache entry unreadable", "provider_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("provider cache get failed", "provider_id", id, "err", err)
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		p, err := c.next.Provider(ctx, id)
		if err != nil {
			return model.Provider{}, err
		}
		c.store(ctx, p)
		return p, nil
	})
	if err != nil {
		return model.Provider{}, err
	}
	return v.(model.Provider), nil
}

func (c *RedisCache) store(ctx context.Context, p model.Provider) {
	body, err := json.Marshal(RecordOf(p))
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(p.ID), body, c.ttl).Err(); err != nil {
		c.logger.Warn("provider cache set failed", "provider_id", p.ID, "err", err)
	}
}

// Invalidate drops the cached entry after the provider changed upstream.
func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, c.key(id)).Err()
}
