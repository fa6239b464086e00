// Package main is the capgate binary: the HTTP gateway, the queue drain
// workers, or both in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "capgate",
		Short:        "Capacity-managed image classification gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("CAPGATE_CONFIG"), "config file (JSON or YAML)")

	root.AddCommand(newServeCmd(&cfgPath), newWorkerCmd(&cfgPath), newVersionCmd())
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, optionally with embedded drain workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("workers") {
				workers = cfg.Worker.Count
			}
			return runServe(cfg, workers)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "embedded drain workers (default from config)")
	return cmd
}

func newWorkerCmd(cfgPath *string) *cobra.Command {
	var (
		workers int
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queue drain workers only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("workers") {
				workers = cfg.Worker.Count
			}
			if workers < 1 {
				return errors.New("worker: at least one worker is required")
			}
			return runWorkers(cfg, workers, addr)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of drain workers (default from config)")
	cmd.Flags().StringVar(&addr, "addr", "", "optional listen address for /health and /metrics")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "capgate %s\n", version.String())
		},
	}
}

// loadConfig reads the config file (or defaults), applies the environment
// and validates the result. It also configures the global logger.
func loadConfig(path string) (capgate.Config, error) {
	loaded, err := capgate.LoadConfig(path)
	if err != nil {
		return capgate.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg := *loaded
	if err := capgate.ApplyEnv(&cfg); err != nil {
		return capgate.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := capgate.ValidateConfig(cfg); err != nil {
		return capgate.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func runServe(cfg capgate.Config, workers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, workers)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(a),
		ReadTimeout:       cfg.Server.ReadTimeout.D(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.EffectiveWriteTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(srv) })
	g.Go(func() error { return shutdownOnDone(gctx, srv, cfg.Server.ShutdownTimeout.D()) })
	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(gctx) })
	}
	if a.limiter != nil {
		g.Go(func() error {
			a.sweepLimiter(gctx)
			return nil
		})
	}

	logging.Logger.Info("capgate listening",
		"version", version.Short(),
		"addr", cfg.Server.Addr,
		"credentials", len(cfg.Upstream.Credentials),
		"workers", a.workerCount(),
	)
	err = g.Wait()
	logging.Logger.Info("capgate stopped")
	return err
}

func runWorkers(cfg capgate.Config, workers int, addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, workers)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pool.Run(gctx) })
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newOpsRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return listen(srv) })
		g.Go(func() error { return shutdownOnDone(gctx, srv, cfg.Server.ShutdownTimeout.D()) })
	}

	logging.Logger.Info("capgate workers started", "version", version.Short(), "workers", a.workerCount())
	err = g.Wait()
	logging.Logger.Info("capgate workers stopped")
	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// shutdownOnDone drains srv once ctx is cancelled.
func shutdownOnDone(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	<-ctx.Done()
	logging.Logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
