//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/storefront-checkout/internal/testutil"
)

func TestStoreMarkAfterProcessing(t *testing.T) {
	opts, err := redis.ParseURL(testutil.Redis(t))
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	s := NewStore(rdb, time.Minute)
	key := s.ScopedKey("gateway-txn", "T1")

	done, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, done, "checking must not claim the key")

	require.NoError(t, s.Mark(ctx, key))
	done, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, done)

	ttl, err := rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
