// Package queue implements the bounded FIFO burst queue that absorbs
// requests arriving while every credential is exhausted.
//
// Layout (prefix "capgate:queue:"):
//
//	<prefix>pending    list of ids, head = next to process
//	<prefix>payload:ID request payload, pending TTL
//	<prefix>status:ID  hash {status, seq, enqueued_at, started_at, completed_at, result}
//	<prefix>seq        enqueue sequence counter
//	<prefix>deq        dequeue counter
//	<prefix>processing sorted set id -> started_at (ms)
//
// Position is derived from the two counters: an entry's enqueue sequence
// minus the number of dequeues so far. It is approximate once entries
// expire without being dequeued.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/closeup/capgate/internal/metrics"
)

// ErrQueueFull is returned by Enqueue when the queue is at its bound.
var ErrQueueFull = errors.New("queue: full")

// ErrNotFound is returned by Requeue when the entry no longer exists.
var ErrNotFound = errors.New("queue: entry not found")

// Defaults.
const (
	DefaultMaxSize    = 500
	DefaultPendingTTL = 24 * time.Hour
	DefaultResultTTL  = 5 * time.Minute
)

// Status is the lifecycle state of a queued request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusNotFound   Status = "not_found"
)

// Record is the pollable view of one request.
type Record struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Position    int             `json:"position,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Entry is a dequeued request. Payload is nil when the payload expired
// before the entry reached the head of the queue.
type Entry struct {
	ID      string
	Payload []byte
}

// StaleEntry is an entry stuck in processing.
type StaleEntry struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Queue is a Redis-backed burst queue shared by gateways and workers.
type Queue struct {
	client     goredis.Cmdable
	prefix     string
	maxSize    int64
	pendingTTL time.Duration
	resultTTL  time.Duration
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize bounds the number of pending entries.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = int64(n)
		}
	}
}

// WithPendingTTL sets how long queued and processing entries survive.
func WithPendingTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pendingTTL = d
		}
	}
}

// WithResultTTL sets how long completed results stay retrievable.
func WithResultTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.resultTTL = d
		}
	}
}

// WithKeyPrefix sets the Redis key prefix (default "capgate:queue:").
func WithKeyPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue.
func New(client goredis.Cmdable, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		prefix:     "capgate:queue:",
		maxSize:    DefaultMaxSize,
		pendingTTL: DefaultPendingTTL,
		resultTTL:  DefaultResultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxSize returns the queue bound.
func (q *Queue) MaxSize() int { return int(q.maxSize) }

func (q *Queue) listKey() string { return q.prefix + "pending" }
func (q *Queue) seqKey() string { return q.prefix + "seq" }
func (q *Queue) deqKey() string { return q.prefix + "deq" }
func (q *Queue) processingKey() string { return q.prefix + "processing" }
func (q *Queue) payloadKey(id string) string { return q.prefix + "payload:" + id }
func (q *Queue) statusKey(id string) string { return q.prefix + "status:" + id }

// enqueueScript appends an entry unless the queue is full.
// KEYS = list, seq, deq, payload, status
// ARGV = id, payload, max, ttl_ms, now_ms
// Returns the position, or -1 when full.
var enqueueScript = goredis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[3]) then
    return -1
end
local seq = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[4], ARGV[2], "PX", ARGV[4])
redis.call("HSET", KEYS[5], "status", "queued", "seq", seq, "enqueued_at", ARGV[5])
redis.call("PEXPIRE", KEYS[5], ARGV[4])
redis.call("RPUSH", KEYS[1], ARGV[1])
local deq = tonumber(redis.call("GET", KEYS[3]) or "0")
local pos = seq - deq
if pos < 1 then
    pos = 1
end
return pos
`)

// dequeueScript pops the head and marks it processing.
// KEYS = list, deq, processing
// ARGV = key prefix, now_ms, ttl_ms
// Returns nil when empty, else {id, payload, found}.
var dequeueScript = goredis.NewScript(`
local id = redis.call("LPOP", KEYS[1])
if not id then
    return false
end
redis.call("INCR", KEYS[2])
local skey = ARGV[1] .. "status:" .. id
local payload = redis.call("GET", ARGV[1] .. "payload:" .. id)
if not payload then
    redis.call("DEL", skey)
    return {id, "", 0}
end
redis.call("HSET", skey, "status", "processing", "started_at", ARGV[2])
redis.call("PEXPIRE", skey, ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[2], id)
return {id, payload, 1}
`)

// requeueScript puts an entry back at the head.
// KEYS = list, deq, processing, status, payload
// ARGV = id, ttl_ms
// Returns 0 when the payload is gone.
var requeueScript = goredis.NewScript(`
redis.call("ZREM", KEYS[3], ARGV[1])
if redis.call("EXISTS", KEYS[5]) == 0 then
    redis.call("DEL", KEYS[4])
    return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
local deq = redis.call("DECR", KEYS[2])
if deq < 0 then
    redis.call("SET", KEYS[2], 0)
    deq = 0
end
redis.call("HSET", KEYS[4], "status", "queued", "seq", deq + 1)
redis.call("HDEL", KEYS[4], "started_at")
redis.call("PEXPIRE", KEYS[4], ARGV[2])
redis.call("PEXPIRE", KEYS[5], ARGV[2])
return 1
`)

// Enqueue appends payload and returns its id and 1-based position. The
// status record exists before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, int, error) {
	id := uuid.NewString()
	pos, err := enqueueScript.Run(ctx, q.client,
		[]string{q.listKey(), q.seqKey(), q.deqKey(), q.payloadKey(id), q.statusKey(id)},
		id, payload, q.maxSize, q.pendingTTL.Milliseconds(), q.now().UnixMilli(),
	).Int64()
	if err != nil {
		return "", 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	if pos < 0 {
		metrics.QueueEvents.WithLabelValues("rejected_full").Inc()
		return "", 0, ErrQueueFull
	}
	metrics.QueueEvents.WithLabelValues("enqueued").Inc()
	return id, int(pos), nil
}

// Dequeue pops the head of the queue. It returns nil, nil when the queue is
// empty. Each id is handed to exactly one caller.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.listKey(), q.deqKey(), q.processingKey()},
		q.prefix, q.now().UnixMilli(), q.pendingTTL.Milliseconds(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("queue: dequeue: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	e := &Entry{ID: id}
	if found, _ := res[2].(int64); found == 1 {
		payload, _ := res[1].(string)
		e.Payload = []byte(payload)
	}
	return e, nil
}

// Requeue returns a dequeued entry to the head of the queue with position 1.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.listKey(), q.deqKey(), q.processingKey(), q.statusKey(id), q.payloadKey(id)},
		id, q.pendingTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	metrics.QueueEvents.WithLabelValues("requeued").Inc()
	return nil
}

// Complete stores the terminal result of id for the retention period and
// drops its payload.
func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("queue: encode result %s: %w", id, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.statusKey(id),
			"status", string(StatusCompleted),
			"result", body,
			"completed_at", q.now().UnixMilli(),
		)
		pipe.PExpire(ctx, q.statusKey(id), q.resultTTL)
		pipe.ZRem(ctx, q.processingKey(), id)
		pipe.Del(ctx, q.payloadKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	metrics.QueueEvents.WithLabelValues("completed").Inc()
	return nil
}

// Status returns the record of id. Unknown and expired ids report
// StatusNotFound.
func (q *Queue) Status(ctx context.Context, id string) (Record, error) {
	pipe := q.client.Pipeline()
	hget := pipe.HGetAll(ctx, q.statusKey(id))
	deq := pipe.Get(ctx, q.deqKey())
	depth := pipe.LLen(ctx, q.listKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return Record{}, fmt.Errorf("queue: status %s: %w", id, err)
	}

	vals := hget.Val()
	rec := Record{ID: id, Status: StatusNotFound}
	if len(vals) == 0 {
		return rec, nil
	}
	rec.Status = Status(vals["status"])
	rec.EnqueuedAt = parseMillis(vals["enqueued_at"])
	rec.StartedAt = parseMillis(vals["started_at"])
	rec.CompletedAt = parseMillis(vals["completed_at"])
	if r := vals["result"]; r != "" {
		rec.Result = json.RawMessage(r)
	}

	if rec.Status == StatusQueued {
		seq, _ := strconv.ParseInt(vals["seq"], 10, 64)
		d, _ := deq.Int64()
		rec.Position = clampPosition(seq-d, depth.Val())
	}
	return rec, nil
}

// Depth returns the number of pending entries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// Stale lists entries that have been processing for longer than olderThan.
func (q *Queue) Stale(ctx context.Context, olderThan time.Duration) ([]StaleEntry, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	zs, err := q.client.ZRangeByScoreWithScores(ctx, q.processingKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stale: %w", err)
	}
	out := make([]StaleEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, StaleEntry{ID: id, StartedAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

// RecoverStale puts entries stuck in processing back at the head of the
// queue. Entries whose payload expired are dropped. It returns the number
// requeued.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := q.Stale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stale {
		err := q.Requeue(ctx, s.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		metrics.QueueEvents.WithLabelValues("recovered").Add(float64(n))
	}
	return n, nil
}

func clampPosition(pos, depth int64) int {
	if depth > 0 && pos > depth {
		pos = depth
	}
	if pos < 1 {
		pos = 1
	}
	return int(pos)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
