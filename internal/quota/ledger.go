// Package quota implements the per-credential fixed-window quota ledger.
//
// Each credential index owns one Redis counter whose TTL equals the window.
// The first increment of a window starts the TTL; once the key expires the
// next increment opens a new window. Counters are shared by every gateway
// instance and drain worker that talks to the same Redis.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Defaults match the upstream provider's published per-key limit.
const (
	DefaultLimit  = 100
	DefaultWindow = time.Minute
)

// Usage is a point-in-time view of one credential's window.
type Usage struct {
	Index     int           `json:"index"`
	Count     int64         `json:"count"`
	Remaining int64         `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Ledger counts attempts per credential index.
type Ledger struct {
	client    goredis.Cmdable
	limit     int64
	window    time.Duration
	keyPrefix string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLimit sets the number of attempts allowed per window.
func WithLimit(n int64) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithWindow sets the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithKeyPrefix sets the Redis key prefix (default "capgate:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// New creates a Ledger on top of a connected Redis client.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		limit:     DefaultLimit,
		window:    DefaultWindow,
		keyPrefix: "capgate:quota:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the per-window attempt limit.
func (l *Ledger) Limit() int64 { return l.limit }

// Window returns the window length.
func (l *Ledger) Window() time.Duration { return l.window }

func (l *Ledger) key(idx int) string {
	return l.keyPrefix + strconv.Itoa(idx)
}

// recordScript increments unconditionally.
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
//
// A counter without a TTL (left behind by a crash between INCR and PEXPIRE
// in older deployments) gets one on the next increment.
var recordScript = goredis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 or redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// acquireScript increments only while the counter is below the limit.
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = window in milliseconds
//
// Returns {admitted (1|0), count}.
var acquireScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local c = tonumber(redis.call("GET", KEYS[1]) or "0")
if c >= limit then
    if redis.call("PTTL", KEYS[1]) == -1 then
        redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return {0, c}
end
c = redis.call("INCR", KEYS[1])
if c == 1 or redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, c}
`)

// RecordAttempt counts one attempt against idx and returns the count in the
// current window. It never refuses; callers compare against Limit.
func (l *Ledger) RecordAttempt(ctx context.Context, idx int) (int64, error) {
	n, err := recordScript.Run(ctx, l.client, []string{l.key(idx)}, l.window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota: record attempt %d: %w", idx, err)
	}
	return n, nil
}

// Acquire atomically records an attempt against idx if the window still has
// room. It reports whether the attempt was admitted and the resulting count.
func (l *Ledger) Acquire(ctx context.Context, idx int) (bool, int64, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(idx)}, l.limit, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("quota: acquire %d: %w", idx, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("quota: acquire %d: unexpected reply %v", idx, res)
	}
	return res[0] == 1, res[1], nil
}

// Count returns the attempts recorded in the current window.
func (l *Ledger) Count(ctx context.Context, idx int) (int64, error) {
	n, err := l.client.Get(ctx, l.key(idx)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: count %d: %w", idx, err)
	}
	return n, nil
}

// Remaining returns max(0, limit - count).
func (l *Ledger) Remaining(ctx context.Context, idx int) (int64, error) {
	n, err := l.Count(ctx, idx)
	if err != nil {
		return 0, err
	}
	return remaining(l.limit, n), nil
}

// TimeToReset returns how long until the window of idx expires, or zero
// when no window is open.
func (l *Ledger) TimeToReset(ctx context.Context, idx int) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.key(idx)).Result()
	if err != nil {
		return 0, fmt.Errorf("quota: ttl %d: %w", idx, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Snapshot reads the windows of credentials 0..n-1 in one round trip.
func (l *Ledger) Snapshot(ctx context.Context, n int) ([]Usage, error) {
	if n <= 0 {
		return nil, nil
	}
	pipe := l.client.Pipeline()
	gets := make([]*goredis.StringCmd, n)
	ttls := make([]*goredis.DurationCmd, n)
	for i := 0; i < n; i++ {
		gets[i] = pipe.Get(ctx, l.key(i))
		ttls[i] = pipe.PTTL(ctx, l.key(i))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("quota: snapshot: %w", err)
	}

	out := make([]Usage, n)
	for i := 0; i < n; i++ {
		u := Usage{Index: i}
		if c, err := gets[i].Int64(); err == nil {
			u.Count = c
		}
		if ttl := ttls[i].Val(); ttl > 0 {
			u.ResetIn = ttl
		}
		u.Remaining = remaining(l.limit, u.Count)
		out[i] = u
	}
	return out, nil
}

// Reset clears the window of idx.
func (l *Ledger) Reset(ctx context.Context, idx int) error {
	if err := l.client.Del(ctx, l.key(idx)).Err(); err != nil {
		return fmt.Errorf("quota: reset %d: %w", idx, err)
	}
	return nil
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}
