package strategies

import (
	"context"
	"errors"
	"fmt"

	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/metrics"
	"github.com/closeup/capgate/providers"
)

// ErrPlanExhausted is returned when no attempt in the plan succeeded.
var ErrPlanExhausted = errors.New("every planned attempt failed")

// Outcome reports how a plan was consumed.
type Outcome struct {
	Result  *providers.Classification
	Winner  Attempt
	Called  int
	Skipped int
	Planned int
	LastErr error
}

// Exhausted reports whether the plan ran to its end without a success and
// at least one attempt reached the upstream. Attempts skipped for quota count
// as exhausted. A sweep stopped by cancellation never is.
func (o *Outcome) Exhausted() bool {
	return o.Result == nil && o.Called > 0 && o.Called+o.Skipped == o.Planned
}

// Sweep executes attempt plans.
type Sweep struct {
	call    CallFunc
	reserve ReserveFunc
}

// NewSweep creates a Sweep.
func NewSweep(call CallFunc, reserve ReserveFunc) *Sweep {
	return &Sweep{call: call, reserve: reserve}
}

// Execute runs plan in order. The first attempt is already admitted; every
// later attempt reserves quota on its credential first and is skipped when
// none is left. Each credential is tried at most once per mode.
func (s *Sweep) Execute(ctx context.Context, plan []Attempt) (*Outcome, error) {
	out := &Outcome{Planned: len(plan)}
	if len(plan) == 0 {
		return out, fmt.Errorf("empty plan: %w", ErrPlanExhausted)
	}
	log := logging.FromContext(ctx)

	for i, a := range plan {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if i > 0 && !s.reserve(ctx, a.Credential) {
			out.Skipped++
			metrics.UpstreamAttempts.WithLabelValues(a.Mode.Name, "skipped").Inc()
			log.Debug("attempt skipped, credential exhausted",
				"credential", a.Credential, "mode", a.Mode.Name)
			continue
		}

		out.Called++
		res, err := s.call(ctx, a)
		if err == nil {
			metrics.UpstreamAttempts.WithLabelValues(a.Mode.Name, "success").Inc()
			out.Result = res
			out.Winner = a
			return out, nil
		}
		metrics.UpstreamAttempts.WithLabelValues(a.Mode.Name, "error").Inc()
		out.LastErr = err
		log.Warn("upstream attempt failed",
			"credential", a.Credential, "mode", a.Mode.Name, "attempt", i+1, "error", err)
	}

	if out.LastErr != nil {
		return out, fmt.Errorf("%w: last error: %w", ErrPlanExhausted, out.LastErr)
	}
	return out, ErrPlanExhausted
}
