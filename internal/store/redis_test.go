package store_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_URL")
	if addr == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisSequence_AppendTrimRead(t *testing.T) {
	rdb := newRedisClient(t)
	ctx := context.Background()
	prefix := "test-seq:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, prefix+":values", prefix+":base") })

	seq := store.NewRedisSequence(rdb, prefix)

	_, err := seq.Tail(ctx)
	require.ErrorIs(t, err, store.ErrSequenceEmpty)

	for i, v := range []float64{3, 3.1, 3.2, 3.15, 3.4} {
		require.NoError(t, seq.AppendAt(ctx, int64(i), d(v)))
	}
	require.ErrorIs(t, seq.AppendAt(ctx, 3, d(9)), store.ErrAppendConflict)

	tick, err := seq.At(ctx, 3)
	require.NoError(t, err)
	assert.True(t, tick.Value.Equal(d(3.15)))

	require.NoError(t, seq.Trim(ctx, 2))
	_, err = seq.At(ctx, 1)
	assert.ErrorIs(t, err, store.ErrIndexTrimmed)
	_, err = seq.At(ctx, 5)
	assert.ErrorIs(t, err, store.ErrIndexNotFound)

	n, err := seq.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	tail, err := seq.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tail.Index)
	assert.True(t, tail.Value.Equal(d(3.4)))

	ticks, err := seq.Range(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(2), ticks[0].Index)
	assert.Equal(t, int64(3), ticks[1].Index)
}

func TestCachedLedger_InvalidatesOnDelta(t *testing.T) {
	rdb := newRedisClient(t)
	ctx := context.Background()
	id := "cache-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, "account:"+id, "account:"+id+":v") })

	primary := store.NewMemoryStore()
	primary.SeedAccount(id, d(10))
	cached := store.NewCachedLedger(primary, rdb, time.Minute)

	a, err := cached.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d(10)))

	_, err = cached.ApplyDelta(ctx, id, "", add(d(5)))
	require.NoError(t, err)

	a, err = cached.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d(15)), "stale cache: %s", a.Balance)
}

// slowReader runs hook once after reading the primary, before the cache is
// filled.
type slowReader struct {
	store.Ledger
	hook func()
	once sync.Once
}

func (r *slowReader) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := r.Ledger.GetAccount(ctx, id)
	r.once.Do(r.hook)
	return a, err
}

func TestCachedLedger_SlowReaderDoesNotCacheStaleBalance(t *testing.T) {
	rdb := newRedisClient(t)
	ctx := context.Background()
	id := "cache-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, "account:"+id, "account:"+id+":v") })

	primary := store.NewMemoryStore()
	primary.SeedAccount(id, d(10))
	reader := &slowReader{Ledger: primary}
	cached := store.NewCachedLedger(reader, rdb, time.Minute)
	reader.hook = func() {
		_, err := cached.ApplyDelta(ctx, id, "", add(d(5)))
		require.NoError(t, err)
	}

	a, err := cached.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d(10)), "read started before the write")

	a, err = cached.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d(15)), "stale cache: %s", a.Balance)
}
