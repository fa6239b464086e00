package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), mr
}

func TestEnqueueAssignsPositions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		id, pos, err := q.Enqueue(ctx, []byte("img"))
		require.NoError(t, err)
		assert.Equal(t, i, pos)
		ids = append(ids, id)
	}

	rec, err := q.Status(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, 3, rec.Position)
	assert.False(t, rec.EnqueuedAt.IsZero())

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	rec, err = q.Status(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Position)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestEnqueueFullWritesNothing(t *testing.T) {
	q, mr := newTestQueue(t, WithMaxSize(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := q.Enqueue(ctx, []byte("x"))
		require.NoError(t, err)
	}
	keysBefore := len(mr.Keys())

	_, _, err := q.Enqueue(ctx, []byte("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, mr.Keys(), keysBefore)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, _, err := q.Enqueue(ctx, []byte("one"))
	require.NoError(t, err)
	second, _, err := q.Enqueue(ctx, []byte("two"))
	require.NoError(t, err)

	e, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, first, e.ID)
	assert.Equal(t, []byte("one"), e.Payload)

	rec, err := q.Status(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())

	e, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, e.ID)

	e, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestConcurrentDequeueExactlyOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		_, _, err := q.Enqueue(ctx, []byte("p"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := q.Dequeue(ctx)
				if err != nil || e == nil {
					return
				}
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "id %s dequeued %d times", id, c)
	}
}

func TestRequeueGoesToFront(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, _, _ := q.Enqueue(ctx, []byte("a"))
	b, _, _ := q.Enqueue(ctx, []byte("b"))

	e, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, a, e.ID)

	require.NoError(t, q.Requeue(ctx, a))

	rec, err := q.Status(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Position)
	assert.True(t, rec.StartedAt.IsZero())

	rec, err = q.Status(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Position)

	e, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, e.ID)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestRequeueMissingEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.ErrorIs(t, q.Requeue(context.Background(), "nope"), ErrNotFound)
}

func TestCompleteThenExpire(t *testing.T) {
	q, mr := newTestQueue(t, WithResultTTL(time.Minute))
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, []byte("img"))
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	result := map[string]any{"valid": true, "label": "APPROVED"}
	require.NoError(t, q.Complete(ctx, id, result))

	rec, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.False(t, rec.CompletedAt.IsZero())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &got))
	assert.Equal(t, "APPROVED", got["label"])
	assert.False(t, mr.Exists("capgate:queue:payload:"+id))

	stale, err := q.Stale(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	mr.FastForward(61 * time.Second)

	rec, err = q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, rec.Status)
}

func TestUnknownIDNotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	rec, err := q.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, rec.Status)
}

func TestExpiredPayloadDequeuesEmpty(t *testing.T) {
	q, mr := newTestQueue(t, WithPendingTTL(time.Minute))
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, []byte("img"))
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	e, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, id, e.ID)
	assert.Nil(t, e.Payload)
}

func TestStaleAndRecover(t *testing.T) {
	now := time.Now()
	q, _ := newTestQueue(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, []byte("img"))
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	stale, err := q.Stale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	now = now.Add(15 * time.Minute)
	stale, err = q.Stale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].ID)

	n, err := q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Position)
}

func TestStoreUnavailable(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, []byte("x"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueueFull)
	_, err = q.Dequeue(ctx)
	assert.Error(t, err)
}
