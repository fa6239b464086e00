package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/admin"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/outcomelog"
	"github.com/closeup/capgate/internal/ratelimit"
	"github.com/closeup/capgate/internal/store"
	"github.com/closeup/capgate/internal/version"
	"github.com/closeup/capgate/internal/worker"
	"github.com/closeup/capgate/providers"
)

// limiterIdle is how long an ingress bucket may sit unused before it is
// dropped.
const limiterIdle = 10 * time.Minute

// app holds everything one process needs. pool and limiter are nil when
// not configured.
type app struct {
	cfg      capgate.Config
	redis    goredis.Cmdable
	gw       *capgate.Gateway
	keys     admin.Store
	outcomes outcomelog.Writer
	pool     *worker.Pool
	limiter  *ratelimit.Store
	closers  []io.Closer
}

// openApp connects to Redis, builds the upstream classifier and wires the
// rest through newApp.
func openApp(ctx context.Context, cfg capgate.Config, workers int) (*app, error) {
	client, err := store.Open(ctx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout.D(),
	})
	if err != nil {
		return nil, err
	}
	classifier, err := providers.NewRegistry().Build(
		cfg.Upstream.Provider, cfg.Upstream.BaseURL, cfg.Upstream.Timeout.D(), version.UserAgent())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a, err := newApp(cfg, client, classifier, workers)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, client)
	return a, nil
}

func newApp(cfg capgate.Config, client goredis.Cmdable, classifier providers.Classifier, workers int) (*app, error) {
	gw, err := capgate.New(cfg, client, classifier)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, redis: client, gw: gw}

	a.keys, err = admin.OpenStore(cfg.Admin.KeyStore, cfg.Admin.KeyStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("admin key store: %w", err)
	}
	if c, ok := a.keys.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if cfg.Admin.BootstrapKey != "" {
		if _, err := a.keys.Register(cfg.Admin.BootstrapKey, "bootstrap", []string{admin.ScopeAdmin}); err != nil {
			a.Close()
			return nil, fmt.Errorf("register bootstrap admin key: %w", err)
		}
	}

	a.outcomes, err = outcomelog.Open(cfg.OutcomeLog.Driver, cfg.OutcomeLog.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("outcome log: %w", err)
	}
	a.closers = append(a.closers, a.outcomes)
	if cfg.OutcomeLog.Driver != "" {
		gw.AddHook(outcomelog.Hook(a.outcomes))
	}

	if workers > 0 {
		wcfg := cfg.Worker
		wcfg.Count = workers
		a.pool = worker.NewPool(workerPrefix(), gw, gw.Queue(), wcfg)
	}
	if cfg.Ingress.RatePerSecond > 0 {
		a.limiter = ratelimit.NewStore(cfg.Ingress.RatePerSecond, cfg.Ingress.Burst)
	}
	return a, nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logging.Logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) workerCount() int {
	if a.pool == nil {
		return 0
	}
	return a.pool.Size()
}

// workerSource returns the pool as an admin.WorkerSource, or nil.
func (a *app) workerSource() admin.WorkerSource {
	if a.pool == nil {
		return nil
	}
	return a.pool
}

// livenessWindow is the longest a healthy worker may go without a
// heartbeat: a full quota window of waiting plus one complete attempt plan.
func (a *app) livenessWindow() time.Duration {
	return a.cfg.Quota.Window.D() +
		a.cfg.Worker.ErrorBackoff.D() +
		a.cfg.PlanDuration() +
		30*time.Second
}

func (a *app) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(limiterIdle); n > 0 {
				logging.Logger.Debug("ingress buckets swept", "count", n)
			}
		}
	}
}

func workerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
