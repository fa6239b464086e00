// Package main provides capgate-cli, the operator tool. It reads the same
// config as the gateway and talks to Redis directly, so it works while the
// HTTP server is down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/queue"
	"github.com/closeup/capgate/internal/store"
	"github.com/closeup/capgate/internal/version"
	"github.com/closeup/capgate/providers"
)

// dialFunc opens the Redis handle for a config.
type dialFunc func(ctx context.Context, cfg capgate.RedisConfig) (goredis.UniversalClient, error)

func dialRedis(ctx context.Context, cfg capgate.RedisConfig) (goredis.UniversalClient, error) {
	return store.Open(ctx, store.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 2,
		Timeout:  cfg.Timeout.D(),
	})
}

func main() {
	if err := newRootCmd(dialRedis).Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	cfgPath string
	asJSON  bool
	dial    dialFunc
}

func newRootCmd(dial dialFunc) *cobra.Command {
	c := &cli{dial: dial}
	root := &cobra.Command{
		Use:          "capgate-cli",
		Short:        "capgate operator tool",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", os.Getenv("CAPGATE_CONFIG"), "config file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		c.validateCmd(),
		c.featureCmd(),
		c.capacityCmd(),
		c.queueCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "capgate-cli %s\n", version.String())
			},
		},
	)
	return root
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := capgate.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := capgate.ApplyEnv(cfg); err != nil {
				return err
			}
			if err := capgate.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			modes := make([]string, len(cfg.Upstream.Modes))
			for i, m := range cfg.Upstream.Modes {
				modes[i] = fmt.Sprintf("%s=%s", m.Name, m.Model)
			}
			fmt.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Upstream:     %s (%d credential(s))\n", cfg.Upstream.Provider, len(cfg.Upstream.Credentials))
			fmt.Fprintf(out, "  Modes:        %s\n", strings.Join(modes, ", "))
			fmt.Fprintf(out, "  Quota:        %d per %s per credential\n", cfg.Quota.Limit, cfg.Quota.Window)
			fmt.Fprintf(out, "  Queue:        max %d, pending ttl %s\n", cfg.Queue.MaxSize, cfg.Queue.PendingTTL)
			fmt.Fprintf(out, "  Workers:      %d\n", cfg.Worker.Count)
			fmt.Fprintf(out, "  Redis:        %s (prefix %q)\n", cfg.Redis.Addr, cfg.Redis.KeyPrefix)
			return nil
		},
	}
}

// gateway loads the config and builds a Gateway on a fresh Redis handle.
func (c *cli) gateway(ctx context.Context) (*capgate.Gateway, func(), error) {
	loaded, err := capgate.LoadConfig(c.cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := *loaded
	if err := capgate.ApplyEnv(&cfg); err != nil {
		return nil, nil, err
	}
	logging.Setup("warn", "text")

	client, err := c.dial(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	classifier, err := providers.NewRegistry().Build(
		cfg.Upstream.Provider, cfg.Upstream.BaseURL, cfg.Upstream.Timeout.D(), version.UserAgent())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	gw, err := capgate.New(cfg, client, classifier)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return gw, func() { _ = client.Close() }, nil
}

func (c *cli) featureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Inspect or switch the classification feature",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the feature flag and breaker state",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.feature(cmd, nil) },
		},
		&cobra.Command{
			Use:   "enable",
			Short: "Enable the feature and reset the breaker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				on := true
				return c.feature(cmd, &on)
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the feature",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				off := false
				return c.feature(cmd, &off)
			},
		},
	)
	return cmd
}

type featureView struct {
	Enabled   bool       `json:"enabled"`
	AutoOff   bool       `json:"auto_off"`
	State     string     `json:"state"`
	Breaker   string     `json:"breaker"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// feature prints the flag, switching it first when set is non-nil.
func (c *cli) feature(cmd *cobra.Command, set *bool) error {
	ctx := cmd.Context()
	gw, closeFn, err := c.gateway(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if set != nil {
		if _, err := gw.SetFeature(ctx, *set, operator()); err != nil {
			return fmt.Errorf("set feature: %w", err)
		}
	}
	st, br, err := gw.Feature(ctx)
	if err != nil {
		return fmt.Errorf("read feature: %w", err)
	}
	v := featureView{
		Enabled:   st.Enabled,
		AutoOff:   st.AutoOff,
		State:     string(st.Mode()),
		Breaker:   br.String(),
		Reason:    st.Reason,
		UpdatedBy: st.UpdatedBy,
	}
	if !st.UpdatedAt.IsZero() {
		v.UpdatedAt = &st.UpdatedAt
	}
	if c.asJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Feature:  %s\n", v.State)
	fmt.Fprintf(out, "Breaker:  %s\n", v.Breaker)
	if v.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", v.Reason)
	}
	if v.UpdatedBy != "" {
		fmt.Fprintf(out, "Updated:  %s by %s\n", st.UpdatedAt.Format(time.RFC3339), v.UpdatedBy)
	}
	return nil
}

func (c *cli) capacityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capacity",
		Short: "Show remaining quota per credential and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			gw, closeFn, err := c.gateway(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			rep, err := gw.Capacity(ctx)
			if err != nil {
				return fmt.Errorf("capacity: %w", err)
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Remaining:  %d of %d (%d credential(s) x %d per %s)\n",
				rep.Remaining, int64(rep.Credentials)*rep.LimitPerWindow, rep.Credentials, rep.LimitPerWindow, rep.Window)
			fmt.Fprintf(out, "Queue:      %d / %d\n", rep.QueueDepth, rep.QueueMax)
			fmt.Fprintf(out, "Feature:    %s (breaker %s)\n", rep.Feature, rep.Breaker)
			if rep.RetryAfterSec > 0 {
				fmt.Fprintf(out, "Retry in:   %ds\n", rep.RetryAfterSec)
			}
			for _, u := range rep.Usage {
				fmt.Fprintf(out, "  credential %-3d used %-5d left %-5d resets in %s\n",
					u.Index, u.Count, u.Remaining, u.ResetIn.Round(time.Second))
			}
			return nil
		},
	}
}

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the burst queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of a queued request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gw, closeFn, err := c.gateway(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := gw.Status(ctx, args[0])
			if err != nil {
				return fmt.Errorf("queue status: %w", err)
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), rec)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", rec.ID)
			fmt.Fprintf(out, "Status:   %s\n", rec.Status)
			switch rec.Status {
			case queue.StatusQueued:
				fmt.Fprintf(out, "Position: %d\n", rec.Position)
			case queue.StatusProcessing:
				fmt.Fprintf(out, "Started:  %s\n", rec.StartedAt.Format(time.RFC3339))
			case queue.StatusCompleted:
				fmt.Fprintf(out, "Result:   %s\n", rec.Result)
			}
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// operator names the person running the tool in flag audit fields.
func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
