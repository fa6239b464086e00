// Package ratelimit throttles ingress per client before requests reach the
// capacity gateway. Each key (normally the client IP) gets its own token
// bucket; idle buckets are evicted by Sweep.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store maintains per-key token buckets sharing the same rate and burst.
type Store struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore creates a Store allowing ratePerSecond requests per key with the
// given burst. A burst below 1 defaults to the rate rounded up.
func NewStore(ratePerSecond float64, burst int) *Store {
	if burst < 1 {
		burst = int(ratePerSecond + 0.999)
		if burst < 1 {
			burst = 1
		}
	}
	return &Store{
		rate:    rate.Limit(ratePerSecond),
		burst:   burst,
		entries: make(map[string]*entry),
	}
}

// Allow consumes a token for key. When denied it also returns how long until
// a token is available.
func (s *Store) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts keys not seen for idle and returns how many were removed.
func (s *Store) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}
