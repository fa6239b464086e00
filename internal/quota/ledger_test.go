package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), mr
}

func TestRecordAttemptStartsWindow(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	n, err := l.RecordAttempt(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, mr.TTL("capgate:quota:0"))

	n, err = l.RecordAttempt(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rem, err := l.Remaining(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultLimit-2), rem)
}

func TestRecordAttemptNeverRefuses(t *testing.T) {
	l, _ := newTestLedger(t, WithLimit(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.RecordAttempt(ctx, 1)
		require.NoError(t, err)
	}
	n, err := l.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	rem, err := l.Remaining(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, rem)
}

func TestRecordAttemptRepairsMissingTTL(t *testing.T) {
	l, mr := newTestLedger(t)
	require.NoError(t, mr.Set("capgate:quota:3", "7"))

	n, err := l.RecordAttempt(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, time.Minute, mr.TTL("capgate:quota:3"))
}

func TestAcquireStopsAtLimit(t *testing.T) {
	l, _ := newTestLedger(t, WithLimit(3))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, n, err := l.Acquire(ctx, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(i), n)
	}
	ok, n, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), n)
}

func TestAcquireConcurrentNeverExceedsLimit(t *testing.T) {
	l, _ := newTestLedger(t, WithLimit(25))
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := l.Acquire(ctx, 0)
			if err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), admitted.Load())
	n, err := l.Count(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
}

func TestWindowExpiryRestoresCapacity(t *testing.T) {
	l, mr := newTestLedger(t, WithLimit(1), WithWindow(10*time.Second))
	ctx := context.Background()

	ok, _, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok)

	ttl, err := l.TimeToReset(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	mr.FastForward(11 * time.Second)

	ttl, err = l.TimeToReset(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, ttl)

	ok, n, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestSnapshot(t *testing.T) {
	l, _ := newTestLedger(t, WithLimit(10))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.RecordAttempt(ctx, 1)
		require.NoError(t, err)
	}

	usage, err := l.Snapshot(ctx, 3)
	require.NoError(t, err)
	require.Len(t, usage, 3)

	assert.Equal(t, Usage{Index: 0, Remaining: 10}, usage[0])
	assert.Equal(t, int64(4), usage[1].Count)
	assert.Equal(t, int64(6), usage[1].Remaining)
	assert.Equal(t, time.Minute, usage[1].ResetIn)
	assert.Equal(t, int64(10), usage[2].Remaining)
}

func TestKeyPrefix(t *testing.T) {
	l, mr := newTestLedger(t, WithKeyPrefix("t:"))
	_, err := l.RecordAttempt(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, mr.Exists("t:2"))
}

func TestStoreUnavailable(t *testing.T) {
	l, mr := newTestLedger(t)
	mr.Close()
	ctx := context.Background()

	_, err := l.RecordAttempt(ctx, 0)
	assert.Error(t, err)
	_, _, err = l.Acquire(ctx, 0)
	assert.Error(t, err)
	_, err = l.TimeToReset(ctx, 0)
	assert.Error(t, err)
}
