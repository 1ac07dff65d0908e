package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/metrics"
	"rentreclaim/internal/orchestrator"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type autoOptions struct {
	interval    int
	schedule    string
	dryRun      bool
	metricsAddr string
	once        bool
}

func newAutoCmd() *cobra.Command {
	opts := &autoOptions{}
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Run scan, evaluate, reclaim, and treasury checks on a schedule",
		Long: `Runs cycles until interrupted. Each cycle discovers new accounts, re-evaluates
tracked ones, reclaims the eligible ones in batches, and checks the treasury for
passive reclaims.

SIGINT or SIGTERM stops the loop between cycles or between batches; a started
batch always finishes and is recorded. Config edits apply from the next cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuto(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.interval, "interval", "i", 3600, "Seconds between the end of one cycle and the next")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", `Cron expression for cycle starts, e.g. "0 */6 * * *"`)
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Simulate reclaims without sending")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /healthz, /metrics and /stats on this address (default: metrics.listen_addr)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single cycle and exit")
	cmd.MarkFlagsMutuallyExclusive("interval", "schedule")
	return cmd
}

func (o *autoOptions) scheduler() (orchestrator.Schedule, error) {
	if o.schedule != "" {
		return orchestrator.ParseCron(o.schedule)
	}
	if o.interval <= 0 {
		return nil, fmt.Errorf("--interval must be positive, got %d", o.interval)
	}
	return orchestrator.Every(time.Duration(o.interval) * time.Second), nil
}

func runAuto(cmd *cobra.Command, opts *autoOptions) error {
	out := cmd.OutOrStdout()
	sched, err := opts.scheduler()
	if err != nil {
		return err
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	kp, err := a.signer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var changes orchestrator.ChangeSource
	watcher, err := config.NewWatcher(a.cfgPath, logger)
	if err != nil {
		logger.Warn("Config reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
		changes = watcher
	}

	forceDryRun := opts.dryRun
	policy := orchestrator.WatchedPolicy(a.cfg, a.cfgPath, changes, forceDryRun)
	o, err := a.orchestrator(policy, kp, func(s *orchestrator.Summary) {
		fmt.Fprintf(out, "[%s] %s\n", s.FinishedAt.Local().Format(time.DateTime), s)
	})
	if err != nil {
		return err
	}

	if opts.once {
		_, err := o.RunCycle(ctx)
		return err
	}

	if forceDryRun || a.cfg.Reclaim.DryRun {
		fmt.Fprintln(out, "Dry run: reclaims are simulated")
	}
	fmt.Fprintf(out, "Operator %s, treasury %s\n", a.operator, a.treasury)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.Run(gctx, sched)
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	addr := opts.metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.ListenAddr
	}
	if addr != "" {
		srv := metrics.NewServer(addr, func(ctx context.Context) (any, error) {
			return a.store.Stats(ctx)
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = g.Wait()
	fmt.Fprintln(out, "Stopped")
	return err
}
