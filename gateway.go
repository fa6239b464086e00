// Package capgate puts a scarce, rate-limited upstream image classifier
// behind a pool of credentials with per-credential quotas, an admission
// gateway, a durable burst queue and a one-way circuit breaker.
//
// The Gateway type is the main entry point: build one with New, admit
// requests with Admit, run the attempt plan with Execute, or do both with
// Submit. Queued requests are drained by internal/worker.
package capgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/closeup/capgate/internal/cache"
	"github.com/closeup/capgate/internal/circuitbreaker"
	"github.com/closeup/capgate/internal/featureflag"
	"github.com/closeup/capgate/internal/keypool"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/metrics"
	"github.com/closeup/capgate/internal/queue"
	"github.com/closeup/capgate/internal/quota"
	"github.com/closeup/capgate/internal/strategies"
	"github.com/closeup/capgate/providers"
)

// Errors surfaced by the gateway.
var (
	// ErrUpstreamUnavailable means every attempt of the plan failed or was
	// skipped. It is terminal for the request.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrQueueFull is returned by Submit when the burst queue is at capacity.
	ErrQueueFull = queue.ErrQueueFull
)

// SweepError describes a terminal failure of the attempt plan.
type SweepError struct {
	Called  int
	Skipped int
	Tripped bool
	Err     error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts (%d skipped): %v", e.Called, e.Skipped, e.Err)
}

// Unwrap lets errors.Is match both ErrUpstreamUnavailable and the cause.
func (e *SweepError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

// Outcome is the admission verdict.
type Outcome int

const (
	OutcomeAdmitted Outcome = iota
	OutcomeExhausted
	OutcomeDisabled
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Decision is the result of Admit. Credential is set when admitted;
// RetryAfter when exhausted.
type Decision struct {
	Outcome    Outcome
	Credential keypool.Credential
	RetryAfter time.Duration
}

// Result is a successful classification with its routing.
type Result struct {
	*providers.Classification
	Credential int           `json:"credential"`
	Mode       string        `json:"mode"`
	Attempts   int           `json:"attempts"`
	Cached     bool          `json:"cached,omitempty"`
	Latency    time.Duration `json:"-"`
}

// Event is passed to hooks after every finished request.
type Event struct {
	Source     string
	RequestID  string
	TraceID    string
	Result     *Result
	Err        error
	Latency    time.Duration
	FinishedAt time.Time
}

// EventHookFunc is called asynchronously after each finished request.
type EventHookFunc func(ctx context.Context, ev Event)

// Request sources.
const (
	SourceSync  = "sync"
	SourceQueue = "queue"
)

// Gateway wires the ledger, selector, queue, breaker and classifier.
type Gateway struct {
	cfg        Config
	ledger     *quota.Ledger
	pool       *keypool.Pool
	queue      *queue.Queue
	flag       *featureflag.Flag
	breaker    *circuitbreaker.CircuitBreaker
	classifier providers.Classifier
	modes      []strategies.Mode
	verdicts   cache.Cache[*Result]

	mu    sync.RWMutex
	hooks []EventHookFunc
}

// New builds a Gateway on top of a Redis handle and a classifier.
func New(cfg Config, client goredis.Cmdable, classifier providers.Classifier) (*Gateway, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	prefix := cfg.Redis.KeyPrefix

	ledger := quota.New(client,
		quota.WithLimit(cfg.Quota.Limit),
		quota.WithWindow(cfg.Quota.Window.D()),
		quota.WithKeyPrefix(prefix+"quota:"),
	)
	pool, err := keypool.New(cfg.Upstream.Credentials, ledger, client,
		keypool.WithCursorKey(prefix+"rr_cursor"),
	)
	if err != nil {
		return nil, err
	}
	q := queue.New(client,
		queue.WithMaxSize(cfg.Queue.MaxSize),
		queue.WithPendingTTL(cfg.Queue.PendingTTL.D()),
		queue.WithResultTTL(cfg.Queue.ResultTTL.D()),
		queue.WithKeyPrefix(prefix+"queue:"),
	)
	flag := featureflag.New(client, prefix+"feature")

	modes := make([]strategies.Mode, len(cfg.Upstream.Modes))
	for i, m := range cfg.Upstream.Modes {
		modes[i] = strategies.Mode{Name: m.Name, Model: m.Model}
	}

	g := &Gateway{
		cfg:        cfg,
		ledger:     ledger,
		pool:       pool,
		queue:      q,
		flag:       flag,
		breaker:    circuitbreaker.New(flag),
		classifier: classifier,
		modes:      modes,
	}
	if cfg.Cache.Size > 0 {
		g.verdicts = cache.NewMemory[*Result](cfg.Cache.Size, cfg.Cache.TTL.D())
	}
	return g, nil
}

// Config returns the configuration the gateway was built with.
func (g *Gateway) Config() Config { return g.cfg }

// Queue exposes the burst queue to drain workers and the admin surface.
func (g *Gateway) Queue() *queue.Queue { return g.queue }

// Ledger exposes the quota ledger.
func (g *Gateway) Ledger() *quota.Ledger { return g.ledger }

// Breaker exposes the circuit breaker.
func (g *Gateway) Breaker() *circuitbreaker.CircuitBreaker { return g.breaker }

// AddHook registers a hook called after every finished request.
func (g *Gateway) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

func (g *Gateway) publish(ctx context.Context, ev Event) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, h := range hooks {
		go h(ctx, ev)
	}
}

// Admit decides whether a request may run now. Exhaustion is a normal
// outcome, not an error.
func (g *Gateway) Admit(ctx context.Context) Decision {
	if !g.breaker.Allow(ctx) {
		metrics.Admissions.WithLabelValues(OutcomeDisabled.String()).Inc()
		return Decision{Outcome: OutcomeDisabled}
	}
	cred, ok := g.pool.Select(ctx)
	if !ok {
		d := Decision{Outcome: OutcomeExhausted, RetryAfter: g.RetryAfter(ctx)}
		metrics.Admissions.WithLabelValues(d.Outcome.String()).Inc()
		logging.FromContext(ctx).Info("all credentials exhausted", "retry_after", d.RetryAfter)
		return d
	}
	metrics.Admissions.WithLabelValues(OutcomeAdmitted.String()).Inc()
	return Decision{Outcome: OutcomeAdmitted, Credential: cred}
}

// RetryAfter is the shortest positive time until any credential's window
// resets, or the configured default when none can be read.
func (g *Gateway) RetryAfter(ctx context.Context) time.Duration {
	usage, err := g.ledger.Snapshot(ctx, g.pool.Size())
	if err != nil {
		return g.cfg.Quota.DefaultRetryAfter.D()
	}
	return minReset(usage, g.cfg.Quota.DefaultRetryAfter.D())
}

func minReset(usage []quota.Usage, fallback time.Duration) time.Duration {
	var best time.Duration
	for _, u := range usage {
		if u.ResetIn > 0 && (best == 0 || u.ResetIn < best) {
			best = u.ResetIn
		}
	}
	if best == 0 {
		return fallback
	}
	return best
}

// Execute runs the attempt plan for an admitted decision. A plan that runs
// to its end without a success trips the breaker, whether the attempts after
// the first failed or were skipped for quota.
func (g *Gateway) Execute(ctx context.Context, d Decision, imageURL string) (*Result, error) {
	if d.Outcome != OutcomeAdmitted {
		return nil, fmt.Errorf("execute: decision is %s", d.Outcome)
	}
	log := logging.FromContext(ctx)

	call := func(ctx context.Context, a strategies.Attempt) (*providers.Classification, error) {
		return g.classifier.Classify(ctx, providers.Request{
			APIKey:   g.pool.At(a.Credential).Token,
			Model:    a.Mode.Model,
			ImageURL: imageURL,
		})
	}
	plan := strategies.NewPlan(d.Credential.Index, g.pool.Size(), g.modes)
	out, err := strategies.NewSweep(call, g.pool.Reserve).Execute(ctx, plan)
	if err == nil {
		metrics.Sweeps.WithLabelValues("success").Inc()
		res := &Result{
			Classification: out.Result,
			Credential:     out.Winner.Credential,
			Mode:           out.Winner.Mode.Name,
			Attempts:       out.Called,
		}
		if g.verdicts != nil {
			stored := *res
			g.verdicts.Set(cache.Key(imageURL), &stored)
		}
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, err
	}

	sweepErr := &SweepError{Called: out.Called, Skipped: out.Skipped, Err: err}
	if out.Exhausted() {
		metrics.Sweeps.WithLabelValues("failed").Inc()
		if tripErr := g.breaker.Trip(context.WithoutCancel(ctx), out.LastErr); tripErr == nil {
			sweepErr.Tripped = true
		}
	} else {
		metrics.Sweeps.WithLabelValues("incomplete").Inc()
	}
	log.Error("upstream unavailable",
		"called", out.Called, "skipped", out.Skipped, "tripped", sweepErr.Tripped, "error", err)
	return nil, sweepErr
}

// SubmitStatus is the outcome of Submit.
type SubmitStatus string

const (
	SubmitCompleted SubmitStatus = "completed"
	SubmitQueued    SubmitStatus = "queued"
	SubmitBusy      SubmitStatus = "busy"
	SubmitDisabled  SubmitStatus = "disabled"
)

// Submission is returned by Submit.
type Submission struct {
	Status     SubmitStatus
	Result     *Result
	QueueID    string
	Position   int
	RetryAfter time.Duration
}

// QueuedRequest is the payload stored in the burst queue.
type QueuedRequest struct {
	ImageURL   string    `json:"image_url"`
	TraceID    string    `json:"trace_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Submit admits and executes a request. When capacity is exhausted and
// queueIfBusy is set the request goes to the burst queue; otherwise the
// caller gets a busy answer with a retry-after. Disabled requests are never
// queued.
func (g *Gateway) Submit(ctx context.Context, imageURL string, queueIfBusy bool) (*Submission, error) {
	start := time.Now()
	if res, ok := g.cached(ctx, imageURL); ok {
		g.publish(ctx, Event{
			Source:     SourceSync,
			RequestID:  logging.TraceIDFromContext(ctx),
			TraceID:    logging.TraceIDFromContext(ctx),
			Result:     res,
			Latency:    time.Since(start),
			FinishedAt: time.Now().UTC(),
		})
		return &Submission{Status: SubmitCompleted, Result: res}, nil
	}
	d := g.Admit(ctx)
	switch d.Outcome {
	case OutcomeDisabled:
		return &Submission{Status: SubmitDisabled}, nil
	case OutcomeExhausted:
		if !queueIfBusy {
			return &Submission{Status: SubmitBusy, RetryAfter: d.RetryAfter}, nil
		}
		payload, err := json.Marshal(QueuedRequest{
			ImageURL:   imageURL,
			TraceID:    logging.TraceIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("encode queued request: %w", err)
		}
		id, pos, err := g.queue.Enqueue(ctx, payload)
		if err != nil {
			return &Submission{Status: SubmitBusy, RetryAfter: d.RetryAfter}, err
		}
		logging.FromContext(ctx).Info("request queued", "queue_id", id, "position", pos)
		return &Submission{Status: SubmitQueued, QueueID: id, Position: pos, RetryAfter: d.RetryAfter}, nil
	}

	// An admitted call runs to completion or its own timeout even if the
	// caller goes away.
	res, err := g.Execute(context.WithoutCancel(ctx), d, imageURL)
	latency := time.Since(start)
	metrics.RequestDuration.WithLabelValues(SourceSync).Observe(latency.Seconds())
	if res != nil {
		res.Latency = latency
	}
	g.publish(ctx, Event{
		Source:     SourceSync,
		RequestID:  logging.TraceIDFromContext(ctx),
		TraceID:    logging.TraceIDFromContext(ctx),
		Result:     res,
		Err:        err,
		Latency:    latency,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &Submission{Status: SubmitCompleted, Result: res}, nil
}

// cached returns a recent verdict for imageURL. Hits are served only while
// the feature is enabled and spend no quota.
func (g *Gateway) cached(ctx context.Context, imageURL string) (*Result, bool) {
	if g.verdicts == nil {
		return nil, false
	}
	hit, ok := g.verdicts.Get(cache.Key(imageURL))
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !g.breaker.Allow(ctx) {
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	res := *hit
	res.Cached = true
	res.Attempts = 0
	return &res, true
}

// Classify is Submit without queueing.
func (g *Gateway) Classify(ctx context.Context, imageURL string) (*Submission, error) {
	return g.Submit(ctx, imageURL, false)
}

// Status returns the record of a queued request.
func (g *Gateway) Status(ctx context.Context, id string) (queue.Record, error) {
	return g.queue.Status(ctx, id)
}

// CapacityReport summarises current capacity.
type CapacityReport struct {
	Credentials    int           `json:"credentials"`
	LimitPerWindow int64         `json:"limit_per_window"`
	Window         string        `json:"window"`
	Remaining      int64         `json:"remaining"`
	QueueDepth     int64         `json:"queue_depth"`
	QueueMax       int           `json:"queue_max"`
	RetryAfter     time.Duration `json:"-"`
	RetryAfterSec  int           `json:"retry_after_seconds,omitempty"`
	Feature        string        `json:"feature"`
	Breaker        string        `json:"breaker"`
	Usage          []quota.Usage `json:"usage"`
}

// Capacity reports aggregate remaining quota, queue depth and flag state.
func (g *Gateway) Capacity(ctx context.Context) (*CapacityReport, error) {
	usage, err := g.ledger.Snapshot(ctx, g.pool.Size())
	if err != nil {
		return nil, err
	}
	depth, err := g.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	st, _ := g.flag.Get(ctx)

	rep := &CapacityReport{
		Credentials:    g.pool.Size(),
		LimitPerWindow: g.ledger.Limit(),
		Window:         g.ledger.Window().String(),
		QueueDepth:     depth,
		QueueMax:       g.queue.MaxSize(),
		Feature:        string(st.Mode()),
		Breaker:        g.breaker.State(ctx).String(),
		Usage:          usage,
	}
	for _, u := range usage {
		rep.Remaining += u.Remaining
	}
	if rep.Remaining == 0 {
		rep.RetryAfter = minReset(usage, g.cfg.Quota.DefaultRetryAfter.D())
		rep.RetryAfterSec = CeilSeconds(rep.RetryAfter)
	}
	return rep, nil
}

// Remaining returns the aggregate remaining quota across the pool.
func (g *Gateway) Remaining(ctx context.Context) (int64, error) {
	usage, err := g.ledger.Snapshot(ctx, g.pool.Size())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range usage {
		total += u.Remaining
	}
	return total, nil
}

// Feature returns the stored flag and the derived breaker state.
func (g *Gateway) Feature(ctx context.Context) (featureflag.State, circuitbreaker.State, error) {
	st, err := g.flag.Get(ctx)
	if err != nil {
		return st, circuitbreaker.StateClosed, err
	}
	return st, g.breaker.State(ctx), nil
}

// SetFeature is the operator switch; enabling also resets the breaker.
func (g *Gateway) SetFeature(ctx context.Context, enabled bool, by string) (featureflag.State, error) {
	if enabled {
		if err := g.breaker.Reset(ctx, by); err != nil {
			return featureflag.State{}, err
		}
		return g.flag.Get(ctx)
	}
	return g.flag.Set(ctx, false, by)
}

// Publish lets drain workers report finished queued requests to hooks.
func (g *Gateway) Publish(ctx context.Context, ev Event) {
	g.publish(ctx, ev)
}

// CeilSeconds rounds d up to whole seconds, minimum 1, for Retry-After.
func CeilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
