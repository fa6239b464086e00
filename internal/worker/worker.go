// Package worker drains the burst queue.
//
// A worker only dequeues when the pool has capacity left, admits every
// entry through the same gateway as synchronous traffic, and stores a
// terminal result for each entry it finishes. Entries that lose the race
// for capacity go back to the head of the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/metrics"
	"github.com/closeup/capgate/internal/queue"
)

// Failure reasons stored for queued requests that got no verdict.
const (
	ReasonServiceError = "Validation service error"
	ReasonDisabled     = "Validation temporarily disabled"
	ReasonExpired      = "Request expired before processing"
	ReasonBadPayload   = "Malformed queued request"

	failureMessage = "Image validation failed. Please try again."
)

// Failure is the stored result of a queued request that could not be
// classified. Label is always null.
type Failure struct {
	Valid   bool    `json:"valid"`
	Label   *string `json:"label"`
	Reason  string  `json:"reason"`
	Message string  `json:"message"`
}

// NewFailure returns the failure result for reason.
func NewFailure(reason string) Failure {
	return Failure{Reason: reason, Message: failureMessage}
}

// Gateway is the part of *capgate.Gateway a worker needs.
type Gateway interface {
	Admit(ctx context.Context) capgate.Decision
	Execute(ctx context.Context, d capgate.Decision, imageURL string) (*capgate.Result, error)
	Remaining(ctx context.Context) (int64, error)
	RetryAfter(ctx context.Context) time.Duration
	Publish(ctx context.Context, ev capgate.Event)
}

// Health is a point-in-time view of one worker.
type Health struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	LastBeat  time.Time `json:"last_beat"`
	Processed int64     `json:"processed"`
	Requeued  int64     `json:"requeued"`
	Errors    int64     `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
}

// Worker drains the queue one entry at a time.
type Worker struct {
	name  string
	gw    Gateway
	queue *queue.Queue
	cfg   capgate.WorkerConfig

	mu     sync.Mutex
	health Health
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker. Zero intervals in cfg take the defaults.
func New(name string, gw Gateway, q *queue.Queue, cfg capgate.WorkerConfig) *Worker {
	def := capgate.DefaultConfig().Worker
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	return &Worker{
		name:   name,
		gw:     gw,
		queue:  q,
		cfg:    cfg,
		health: Health{Name: name},
	}
}

// Name returns the worker name used in logs and metrics.
func (w *Worker) Name() string { return w.name }

// Start runs the worker in the background until Stop is called or ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
}

// Stop cancels a started worker and waits for the current entry to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run drains the queue until ctx is cancelled. It always returns nil so it
// can be supervised by an errgroup without stopping its siblings.
func (w *Worker) Run(ctx context.Context) error {
	log := logging.Logger.With("worker", w.name)
	w.setRunning(true)
	defer w.setRunning(false)
	log.Info("queue worker started")

	for {
		if ctx.Err() != nil {
			log.Info("queue worker stopped")
			return nil
		}
		w.beat()

		wait, err := w.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.recordError(err)
			log.Error("queue worker error", "error", err, "backoff", w.cfg.ErrorBackoff.D())
			wait = w.cfg.ErrorBackoff.D()
		}
		sleep(ctx, wait)
	}
}

// step performs one iteration of the loop and returns how long to wait
// before the next one.
func (w *Worker) step(ctx context.Context) (time.Duration, error) {
	remaining, err := w.gw.Remaining(ctx)
	if err != nil {
		return 0, fmt.Errorf("read remaining capacity: %w", err)
	}
	if remaining <= 0 {
		wait := w.gw.RetryAfter(ctx)
		logging.Logger.Debug("no capacity left, waiting for reset", "worker", w.name, "wait", wait)
		return wait, nil
	}

	e, err := w.queue.Dequeue(ctx)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return w.cfg.IdleInterval.D(), nil
	}
	// The entry is already marked processing; finish it even if the worker
	// is being stopped.
	if err := w.Process(context.WithoutCancel(ctx), e); err != nil {
		return 0, err
	}
	return w.cfg.ItemDelay.D(), nil
}

// Process handles one dequeued entry.
func (w *Worker) Process(ctx context.Context, e *queue.Entry) error {
	log := logging.Logger.With("worker", w.name, "queue_id", e.ID)
	if e.Payload == nil {
		log.Warn("queued request expired before processing")
		return w.finish(ctx, e.ID, "expired", NewFailure(ReasonExpired))
	}

	var req capgate.QueuedRequest
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		log.Error("malformed queued request", "error", err)
		return w.finish(ctx, e.ID, "invalid", NewFailure(ReasonBadPayload))
	}
	if req.TraceID != "" {
		ctx = logging.WithTraceID(ctx, req.TraceID)
		log = log.With("trace_id", req.TraceID)
	}

	start := time.Now()
	d := w.gw.Admit(ctx)
	switch d.Outcome {
	case capgate.OutcomeExhausted:
		if err := w.queue.Requeue(ctx, e.ID); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				log.Warn("queued request expired while requeueing")
				return nil
			}
			return err
		}
		w.mu.Lock()
		w.health.Requeued++
		w.mu.Unlock()
		metrics.WorkerProcessed.WithLabelValues(w.name, "requeued").Inc()
		log.Debug("capacity lost, request requeued", "retry_after", d.RetryAfter)
		return nil
	case capgate.OutcomeDisabled:
		log.Warn("feature disabled, failing queued request")
		return w.finish(ctx, e.ID, "disabled", NewFailure(ReasonDisabled))
	}

	res, err := w.gw.Execute(ctx, d, req.ImageURL)
	latency := time.Since(start)
	metrics.RequestDuration.WithLabelValues(capgate.SourceQueue).Observe(latency.Seconds())
	if res != nil {
		res.Latency = latency
	}
	w.gw.Publish(ctx, capgate.Event{
		Source:     capgate.SourceQueue,
		RequestID:  e.ID,
		TraceID:    req.TraceID,
		Result:     res,
		Err:        err,
		Latency:    latency,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error("queued request failed", "error", err)
		return w.finish(ctx, e.ID, "failed", NewFailure(ReasonServiceError))
	}
	log.Info("queued request completed", "label", res.Label, "mode", res.Mode, "latency", latency)
	return w.finish(ctx, e.ID, "completed", res)
}

func (w *Worker) finish(ctx context.Context, id, status string, result any) error {
	if err := w.queue.Complete(ctx, id, result); err != nil {
		return err
	}
	w.mu.Lock()
	w.health.Processed++
	w.mu.Unlock()
	metrics.WorkerProcessed.WithLabelValues(w.name, status).Inc()
	return nil
}

// Health returns a snapshot of the worker's liveness counters.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}

func (w *Worker) beat() {
	now := time.Now()
	w.mu.Lock()
	w.health.LastBeat = now
	w.mu.Unlock()
	metrics.WorkerHeartbeat.WithLabelValues(w.name).Set(float64(now.Unix()))
}

func (w *Worker) setRunning(running bool) {
	w.mu.Lock()
	w.health.Running = running
	w.mu.Unlock()
}

func (w *Worker) recordError(err error) {
	w.mu.Lock()
	w.health.Errors++
	w.health.LastError = err.Error()
	w.mu.Unlock()
	metrics.WorkerProcessed.WithLabelValues(w.name, "error").Inc()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
