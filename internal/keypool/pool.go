// Package keypool selects which upstream credential serves a request.
//
// Selection is round-robin with failover: a shared Redis cursor picks the
// starting credential and the pool scans forward until the quota ledger
// admits one. When the store is unreachable the pool fails open and hands
// out the first credential so the upstream provider becomes the only
// limiter.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/metrics"
)

// ErrNoCredentials is returned when a pool is built from an empty list.
var ErrNoCredentials = errors.New("keypool: no credentials configured")

// Credential is one upstream API key. Index is its stable position in the
// configured list and doubles as the quota ledger key.
type Credential struct {
	Index int
	Token string
}

// String masks the token so credentials are safe to log.
func (c Credential) String() string {
	return fmt.Sprintf("credential[%d](%s)", c.Index, Mask(c.Token))
}

// Mask keeps the last four characters of a token.
func Mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// Acquirer is the slice of the quota ledger the pool needs.
type Acquirer interface {
	Acquire(ctx context.Context, idx int) (bool, int64, error)
}

// Pool is an immutable set of credentials plus the shared cursor.
type Pool struct {
	creds     []Credential
	ledger    Acquirer
	client    goredis.Cmdable
	cursorKey string
	cursorTTL time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithCursorKey overrides the Redis key of the round-robin cursor
// (default "capgate:rr_cursor").
func WithCursorKey(key string) Option {
	return func(p *Pool) { p.cursorKey = key }
}

// WithCursorTTL sets how long an idle cursor survives (default 1h).
func WithCursorTTL(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cursorTTL = d
		}
	}
}

// New builds a pool from tokens in configured order.
func New(tokens []string, ledger Acquirer, client goredis.Cmdable, opts ...Option) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, ErrNoCredentials
	}
	creds := make([]Credential, len(tokens))
	for i, tok := range tokens {
		creds[i] = Credential{Index: i, Token: tok}
	}
	p := &Pool{
		creds:     creds,
		ledger:    ledger,
		client:    client,
		cursorKey: "capgate:rr_cursor",
		cursorTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ParseTokens splits a comma-separated credential list, dropping blanks.
func ParseTokens(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if tok := strings.TrimSpace(part); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// Size returns the number of credentials.
func (p *Pool) Size() int { return len(p.creds) }

// Credentials returns a copy of the configured credentials.
func (p *Pool) Credentials() []Credential {
	out := make([]Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// At returns the credential at idx.
func (p *Pool) At(idx int) Credential {
	return p.creds[idx%len(p.creds)]
}

// cursorScript advances the cursor and keeps it from living forever.
// KEYS[1] = cursor key
// ARGV[1] = ttl in milliseconds
var cursorScript = goredis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

func (p *Pool) nextCursor(ctx context.Context) (int64, error) {
	return cursorScript.Run(ctx, p.client, []string{p.cursorKey}, p.cursorTTL.Milliseconds()).Int64()
}

// Select returns a credential whose quota admitted one attempt, scanning
// from the cursor position in ascending cyclic order. It reports false when
// every credential is exhausted for the current window.
func (p *Pool) Select(ctx context.Context) (Credential, bool) {
	n := len(p.creds)
	c, err := p.nextCursor(ctx)
	if err != nil {
		return p.degraded(ctx, "cursor", err), true
	}

	start := int(c % int64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		ok, _, err := p.ledger.Acquire(ctx, idx)
		if err != nil {
			return p.degraded(ctx, "ledger", err), true
		}
		if ok {
			return p.creds[idx], true
		}
	}
	return Credential{}, false
}

// Reserve claims one attempt on a specific credential, used by the attempt
// plan after the first credential fails. Store errors fail open.
func (p *Pool) Reserve(ctx context.Context, idx int) bool {
	ok, _, err := p.ledger.Acquire(ctx, idx)
	if err != nil {
		metrics.LedgerDegraded.WithLabelValues("reserve").Inc()
		logging.FromContext(ctx).Warn("quota store unavailable, reserving without accounting",
			"credential", idx, "error", err)
		return true
	}
	return ok
}

func (p *Pool) degraded(ctx context.Context, component string, err error) Credential {
	metrics.LedgerDegraded.WithLabelValues(component).Inc()
	logging.FromContext(ctx).Warn("quota store unavailable, selecting first credential",
		"component", component, "error", err)
	return p.creds[0]
}
