// Package strategies builds and executes the attempt plan for one logical
// classification request.
//
// A plan is an ordered list of (credential, mode) attempts: every processing
// mode in configured order, and within a mode every credential starting at
// the admitted one in cyclic order. The sweep consumes the plan until one
// attempt succeeds or the plan runs out.
package strategies

import (
	"context"

	"github.com/closeup/capgate/providers"
)

// Mode is a named processing mode bound to an upstream model.
type Mode struct {
	Name  string
	Model string
}

// Attempt is one planned upstream call.
type Attempt struct {
	Credential int
	Mode       Mode
}

// CallFunc performs one upstream call for an attempt.
type CallFunc func(ctx context.Context, a Attempt) (*providers.Classification, error)

// ReserveFunc claims quota on a credential before a follow-up attempt.
type ReserveFunc func(ctx context.Context, credential int) bool

// NewPlan returns len(modes) × n attempts starting at credential start.
func NewPlan(start, n int, modes []Mode) []Attempt {
	if n <= 0 {
		return nil
	}
	start = ((start % n) + n) % n
	plan := make([]Attempt, 0, len(modes)*n)
	for _, m := range modes {
		for i := 0; i < n; i++ {
			plan = append(plan, Attempt{Credential: (start + i) % n, Mode: m})
		}
	}
	return plan
}
