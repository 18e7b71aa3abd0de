package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
)

const (
	cacheKeyPrefix  = "entitlements:subscriber:"
	DefaultCacheTTL = 30 * time.Second
)

// CachingStore serves Get from Redis and invalidates the entry after every
// mutation of the wrapped Store. Cache errors fall through to the wrapped
// Store, so Redis is never required for correctness.
//
// A Get that misses the cache can race a concurrent mutation and write the
// pre-mutation record back after its invalidation. That entry stays stale for
// at most the TTL. Only pre-flight reads go through this cache; quota
// decisions and billing transitions always read the wrapped Store.
type CachingStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachingStore wraps inner with a read-through cache. A nil client disables caching.
func NewCachingStore(inner Store, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachingStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingStore{
		Store:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "entitlement_cache").Logger(),
	}
}

func cacheKey(subscriberID string) string {
	return cacheKeyPrefix + strings.TrimSpace(subscriberID)
}

func (c *CachingStore) Get(ctx context.Context, subscriberID string) (*models.Subscriber, error) {
	if c.client == nil {
		return c.Store.Get(ctx, subscriberID)
	}

	key := cacheKey(subscriberID)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec models.Subscriber
		if uerr := json.Unmarshal(data, &rec); uerr == nil {
			return &rec, nil
		}
		c.logger.Warn().Str("key", key).Msg("dropping undecodable cache entry")
		c.invalidate(ctx, subscriberID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	rec, err := c.Store.Get(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if payload, merr := json.Marshal(rec); merr == nil {
		if serr := c.client.Set(ctx, key, payload, c.ttl).Err(); serr != nil {
			c.logger.Warn().Err(serr).Str("key", key).Msg("cache write failed")
		}
	}
	return rec, nil
}

func (c *CachingStore) Provision(ctx context.Context, subscriberID string) (*models.Subscriber, error) {
	rec, err := c.Store.Provision(ctx, subscriberID)
	if err == nil {
		c.invalidate(ctx, subscriberID)
	}
	return rec, err
}

func (c *CachingStore) AttachBillingReference(ctx context.Context, subscriberID, billingReferenceID string) (*models.Subscriber, error) {
	rec, err := c.Store.AttachBillingReference(ctx, subscriberID, billingReferenceID)
	if err == nil {
		c.invalidate(ctx, subscriberID)
	}
	return rec, err
}

func (c *CachingStore) ApplyBillingTransition(ctx context.Context, subscriberID string, t Transition, sequence int64) (ApplyResult, error) {
	res, err := c.Store.ApplyBillingTransition(ctx, subscriberID, t, sequence)
	if err == nil && res.Applied {
		c.invalidate(ctx, subscriberID)
	}
	return res, err
}

func (c *CachingStore) TryConsumeQuota(ctx context.Context, subscriberID string, allowance int) (ConsumeResult, error) {
	res, err := c.Store.TryConsumeQuota(ctx, subscriberID, allowance)
	if err == nil && res.Granted && res.Metered {
		c.invalidate(ctx, subscriberID)
	}
	return res, err
}

func (c *CachingStore) invalidate(ctx context.Context, subscriberID string) {
	if c.client == nil {
		return
	}
	// The mutation already committed; a canceled request context must not skip the delete.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.client.Del(delCtx, cacheKey(subscriberID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("subscriber_id", subscriberID).Msg("cache invalidation failed")
	}
}
