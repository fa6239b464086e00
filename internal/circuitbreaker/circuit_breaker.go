// Package circuitbreaker implements the one-way breaker that guards the
// upstream classifier for the whole deployment.
//
// State lives in the shared feature flag, so every gateway instance and
// worker observes a trip immediately:
//
//	Closed → Open    when a full attempt plan fails on every credential
//	Open   → Closed  only when an operator re-enables the feature
//
// There is no half-open probing and no timer-based recovery.
package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/closeup/capgate/internal/featureflag"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/metrics"
)

// State represents the breaker's current state.
type State int

const (
	// StateClosed: requests pass through (unless an operator disabled the feature).
	StateClosed State = iota
	// StateOpen: the breaker disabled the feature automatically.
	StateOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// FlagStore is the feature flag backing the breaker.
type FlagStore interface {
	Get(ctx context.Context) (featureflag.State, error)
	Current(ctx context.Context) featureflag.State
	AutoDisable(ctx context.Context, reason string) (featureflag.State, error)
	Set(ctx context.Context, enabled bool, by string) (featureflag.State, error)
}

// CircuitBreaker reads and writes the shared flag.
type CircuitBreaker struct {
	flag FlagStore
}

// New creates a CircuitBreaker on top of flag.
func New(flag FlagStore) *CircuitBreaker {
	return &CircuitBreaker{flag: flag}
}

// State is Open only when the feature is off and the auto_off marker is set.
// An unreadable flag reads as Closed. Every successful read refreshes the
// state gauge, so processes that never tripped still report a shared trip.
func (cb *CircuitBreaker) State(ctx context.Context) State {
	st, err := cb.flag.Get(ctx)
	if err != nil {
		return StateClosed
	}
	return observe(stateOf(st))
}

// Allow reports whether the feature is enabled, whichever party disabled it.
// An unreadable flag allows.
func (cb *CircuitBreaker) Allow(ctx context.Context) bool {
	st := cb.flag.Current(ctx)
	observe(stateOf(st))
	return st.Enabled
}

// Trip opens the breaker by auto-disabling the feature.
func (cb *CircuitBreaker) Trip(ctx context.Context, cause error) error {
	reason := "upstream unavailable on every credential"
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	if _, err := cb.flag.AutoDisable(ctx, reason); err != nil {
		logging.FromContext(ctx).Error("circuit breaker trip not persisted", "error", err)
		return fmt.Errorf("circuitbreaker: trip: %w", err)
	}
	metrics.CircuitBreakerTrips.Inc()
	observe(StateOpen)
	logging.FromContext(ctx).Error("circuit breaker opened, feature auto-disabled", "reason", reason)
	return nil
}

// Reset closes the breaker by re-enabling the feature.
func (cb *CircuitBreaker) Reset(ctx context.Context, by string) error {
	if _, err := cb.flag.Set(ctx, true, by); err != nil {
		return fmt.Errorf("circuitbreaker: reset: %w", err)
	}
	observe(StateClosed)
	logging.FromContext(ctx).Info("circuit breaker reset", "by", by)
	return nil
}

func stateOf(st featureflag.State) State {
	if !st.Enabled && st.AutoOff {
		return StateOpen
	}
	return StateClosed
}

func observe(s State) State {
	metrics.CircuitBreakerState.Set(float64(s))
	return s
}
