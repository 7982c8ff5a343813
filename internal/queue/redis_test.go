package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPruneSparesRejoinedEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:queue")
	t.Cleanup(func() { _ = r.rdb.Close() })
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := r.Join(ctx, newEntry("u1", now.Add(-time.Hour)))
	require.NoError(t, err)
	stale, err := r.rdb.HGet(ctx, r.entryKey, "u1").Result()
	require.NoError(t, err)

	// u1 leaves and rejoins after the sweeper read the stale value.
	require.NoError(t, r.Leave(ctx, "u1"))
	fresh := newEntry("u1", now)
	fresh.ID = "entry-u1-again"
	_, created, err := r.Join(ctx, fresh)
	require.NoError(t, err)
	require.True(t, created)

	removed, err := r.removeIfUnchanged(ctx, "u1", stale)
	require.NoError(t, err)
	assert.False(t, removed)

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "entry-u1-again", entries[0].ID)

	n, err := r.Prune(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}
