package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/queue"
)

// Pool runs several workers against the same queue and, when configured,
// periodically requeues entries stuck in processing.
type Pool struct {
	workers []*Worker
	queue   *queue.Queue
	cfg     capgate.WorkerConfig
}

// NewPool creates cfg.Count workers named "<prefix>-<n>".
func NewPool(prefix string, gw Gateway, q *queue.Queue, cfg capgate.WorkerConfig) *Pool {
	p := &Pool{queue: q, cfg: cfg}
	for i := 0; i < cfg.Count; i++ {
		p.workers = append(p.workers, New(fmt.Sprintf("%s-%d", prefix, i), gw, q, cfg))
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Run blocks until ctx is cancelled and every worker has finished its
// current entry.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	if p.cfg.RecoverStale && p.cfg.StaleAfter > 0 && len(p.workers) > 0 {
		g.Go(func() error {
			p.recoverLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) recoverLoop(ctx context.Context) {
	interval := p.cfg.StaleAfter.D() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStale(ctx, p.cfg.StaleAfter.D())
			if err != nil {
				logging.Logger.Warn("stale recovery failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Logger.Warn("requeued stale entries", "count", n, "older_than", p.cfg.StaleAfter.D())
			}
		}
	}
}

// Health returns the health of every worker.
func (p *Pool) Health() []Health {
	out := make([]Health, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Health()
	}
	return out
}

// Alive reports whether every worker is running and has beaten within
// maxSilence. An empty pool is alive.
func (p *Pool) Alive(maxSilence time.Duration) bool {
	now := time.Now()
	for _, w := range p.workers {
		h := w.Health()
		if !h.Running || now.Sub(h.LastBeat) > maxSilence {
			return false
		}
	}
	return true
}
