package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/dlgate/app/models"
)

func newCachedTestStore(t *testing.T) (*CachingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachingStore(newTestStore(t), client, time.Minute, zerolog.Nop()), mr
}

func TestCachingStore_GetPopulatesCache(t *testing.T) {
	cs, mr := newCachedTestStore(t)
	ctx := context.Background()
	_, err := cs.Provision(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey("u1")))

	rec, err := cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusFree, rec.SubscriptionStatus)
	assert.True(t, mr.Exists(cacheKey("u1")))
	assert.Equal(t, time.Minute, mr.TTL(cacheKey("u1")))

	cached, err := cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", cached.SubscriberID)
}

func TestCachingStore_MutationsInvalidate(t *testing.T) {
	cs, mr := newCachedTestStore(t)
	ctx := context.Background()
	_, err := cs.Provision(ctx, "u1")
	require.NoError(t, err)

	_, err = cs.Get(ctx, "u1")
	require.NoError(t, err)
	_, err = cs.TryConsumeQuota(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey("u1")), "metered grant invalidates")

	rec, err := cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.QuotaCounter)

	_, err = cs.ApplyBillingTransition(ctx, "u1", Activate("sub_1", nil), 3)
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey("u1")), "applied transition invalidates")

	rec, err = cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, rec.SubscriptionStatus)

	res, err := cs.ApplyBillingTransition(ctx, "u1", Cancel(), 2)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, mr.Exists(cacheKey("u1")), "stale events leave the entry alone")
}

func TestCachingStore_DropsUndecodableEntry(t *testing.T) {
	cs, mr := newCachedTestStore(t)
	ctx := context.Background()
	_, err := cs.Provision(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, mr.Set(cacheKey("u1"), "{not json"))

	rec, err := cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.SubscriberID)
}

func TestCachingStore_FallsThroughWhenRedisIsDown(t *testing.T) {
	cs, mr := newCachedTestStore(t)
	ctx := context.Background()
	_, err := cs.Provision(ctx, "u1")
	require.NoError(t, err)

	mr.Close()

	rec, err := cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.SubscriberID)

	res, err := cs.TryConsumeQuota(ctx, "u1", 3)
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestCachingStore_NilClient(t *testing.T) {
	cs := NewCachingStore(newTestStore(t), nil, 0, zerolog.Nop())
	ctx := context.Background()

	_, err := cs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = cs.Provision(ctx, "u1")
	require.NoError(t, err)
	rec, err := cs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.SubscriberID)
}
