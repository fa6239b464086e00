// Package featureflag stores the shared on/off switch for classification.
//
// The flag lives in a single Redis hash read by every gateway instance and
// worker. A missing hash means enabled. The auto_off marker distinguishes a
// circuit-breaker disable from an operator disable.
package featureflag

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/metrics"
)

// Mode summarises the flag for operators.
type Mode string

const (
	ModeOn        Mode = "on"
	ModeManualOff Mode = "manual_off"
	ModeAutoOff   Mode = "auto_off"
)

// State is the stored flag.
type State struct {
	Enabled   bool      `json:"enabled"`
	AutoOff   bool      `json:"auto_off"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Mode derives the operator-facing mode.
func (s State) Mode() Mode {
	switch {
	case s.Enabled:
		return ModeOn
	case s.AutoOff:
		return ModeAutoOff
	default:
		return ModeManualOff
	}
}

// Flag reads and writes the shared flag.
type Flag struct {
	client goredis.Cmdable
	key    string
}

// New creates a Flag stored under key (default "capgate:feature").
func New(client goredis.Cmdable, key string) *Flag {
	if key == "" {
		key = "capgate:feature"
	}
	return &Flag{client: client, key: key}
}

// Get returns the stored state. A missing hash reads as enabled.
func (f *Flag) Get(ctx context.Context) (State, error) {
	vals, err := f.client.HGetAll(ctx, f.key).Result()
	if err != nil {
		return State{Enabled: true}, fmt.Errorf("featureflag: read: %w", err)
	}
	if len(vals) == 0 {
		return State{Enabled: true}, nil
	}
	st := State{
		Enabled:   vals["enabled"] != "0",
		AutoOff:   vals["auto_off"] == "1",
		Reason:    vals["reason"],
		UpdatedBy: vals["updated_by"],
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return st, nil
}

// Current returns the flag state, reading failures as enabled so a store
// outage does not take the feature down.
func (f *Flag) Current(ctx context.Context) State {
	st, err := f.Get(ctx)
	if err != nil {
		metrics.LedgerDegraded.WithLabelValues("feature_flag").Inc()
		logging.FromContext(ctx).Warn("feature flag unreadable, assuming enabled", "error", err)
		return State{Enabled: true}
	}
	return st
}

// Set is the operator switch. It always clears the auto_off marker.
func (f *Flag) Set(ctx context.Context, enabled bool, by string) (State, error) {
	st := State{Enabled: enabled, UpdatedBy: by, UpdatedAt: time.Now().UTC()}
	if !enabled {
		st.Reason = "disabled by operator"
	}
	return st, f.write(ctx, st)
}

// AutoDisable turns the feature off on behalf of the circuit breaker.
func (f *Flag) AutoDisable(ctx context.Context, reason string) (State, error) {
	st := State{
		Enabled:   false,
		AutoOff:   true,
		Reason:    reason,
		UpdatedBy: "circuit_breaker",
		UpdatedAt: time.Now().UTC(),
	}
	return st, f.write(ctx, st)
}

func (f *Flag) write(ctx context.Context, st State) error {
	err := f.client.HSet(ctx, f.key,
		"enabled", boolField(st.Enabled),
		"auto_off", boolField(st.AutoOff),
		"reason", st.Reason,
		"updated_by", st.UpdatedBy,
		"updated_at", st.UpdatedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("featureflag: write: %w", err)
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
