package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dockyard-paas/dockyard/internal/api"
	"github.com/dockyard-paas/dockyard/internal/dockerfacts"
	"github.com/dockyard-paas/dockyard/internal/executor"
	"github.com/dockyard-paas/dockyard/internal/hooks"
	"github.com/dockyard-paas/dockyard/internal/log"
	"github.com/dockyard-paas/dockyard/internal/logbuf"
	"github.com/dockyard-paas/dockyard/internal/metrics"
	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/runner"
	"github.com/dockyard-paas/dockyard/internal/store"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "recover unfinished jobs and serve the API",
	RunE:  doServe,
}

func newRunner(cfg model.Config) *runner.Runner {
	return runner.New(runner.Config{
		DockerBinary: cfg.DockerBinary,
		ScriptsDir:   cfg.ScriptsDir,
		AppsDir:      cfg.AppsDir,
		OutputLimit:  cfg.OutputLimit,
		ExecTimeout:  cfg.ExecTimeout,
	})
}

// newLister picks the docker backend, the returned func releases it.
func newLister(cfg model.Config, r *runner.Runner) (dockerfacts.Lister, func(), error) {
	if cfg.DockerBackend == model.DockerBackendAPI {
		l, err := dockerfacts.NewAPILister(cfg.DockerHost)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing docker client: %w", err)
		}
		return l, func() { _ = l.Close() }, nil
	}
	return dockerfacts.NewCLILister(r, cfg.DockerBinary), func() {}, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("dockyard",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	m := metrics.New()

	st, err := store.Open(ctx, config.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.WarnContext(ctx, "closing job store", "error", err)
		}
	}()

	r := newRunner(config)
	lister, closeLister, err := newLister(config, r)
	if err != nil {
		return err
	}
	defer closeLister()
	facts := dockerfacts.New(lister, config.FactsTTL, dockerfacts.WithMetrics(m))
	logs := logbuf.New(logbuf.WithMetrics(m))

	bus := executor.NewBus()
	if config.Hooks.WebhookURL != "" {
		wh, err := hooks.NewWebhook(config.Hooks.WebhookURL, config.Hooks.Timeout)
		if err != nil {
			return fmt.Errorf("initializing webhook: %w", err)
		}
		bus.Register(wh)
	}

	exec := executor.New(executor.Config{
		Retention: config.Retention,
		ListLimit: config.ListLimit,
	}, st, r, facts, logs, executor.WithBus(bus), executor.WithMetrics(m))

	// before the API accepts anything
	if _, err := exec.Recover(ctx); err != nil {
		slog.ErrorContext(ctx, "recovery finished with errors", "error", err)
	}

	sweeper, err := executor.NewSweeper(ctx, exec, config.SweepSchedule)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Shutdown(); err != nil {
			slog.WarnContext(ctx, "stopping sweeper", "error", err)
		}
	}()

	l, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", config.Listen, err)
	}
	srv := api.NewServer(config.Listen, api.Config{
		Jobs:    exec,
		Logs:    logs,
		Facts:   facts,
		Metrics: m,
		Ping:    st.Ping,
	})
	err = srv.Run(ctx, l)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// jobs still running are left to the next recovery
	active, lerr := exec.ListActive(context.WithoutCancel(ctx))
	if lerr == nil && len(active) > 0 {
		slog.WarnContext(ctx, "shutting down with unfinished jobs", "count", len(active))
	}
	slog.InfoContext(ctx, "dockyard stopped")
	return nil
}
