package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/annika-hq/plannersync/internal/lockfile"
	"github.com/annika-hq/plannersync/internal/telemetry"
	"github.com/annika-hq/plannersync/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync service until interrupted",
	Long: `Run the sync service: a catch-up pass over recently modified local tasks,
then the upload, poll and hints lanes until SIGINT or SIGTERM.

With webhook.enabled the service also receives Graph change notifications
on POST /webhooks/planner and serves GET /health on webhook.addr.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if settings.Sync.SingleInstance {
			path := settings.Sync.LockFile
			if path == "" {
				path = lockfile.DefaultPath(settings.Redis.Namespace)
			}
			lock, err := lockfile.Acquire(path, lockfile.Info{Namespace: settings.Redis.Namespace, Version: Version})
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()
			logger.Debug("holding instance lock", "path", lock.Path())
		}

		t := settings.Telemetry
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Settings{
			Enabled:        t.Enabled,
			Endpoint:       t.Endpoint,
			Insecure:       t.Insecure,
			Stdout:         t.Stdout,
			SampleRatio:    t.SampleRatio,
			MetricInterval: t.MetricInterval,
		}, "plannersync", Version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				logger.Warn("telemetry flush failed", "error", err)
			}
		}()

		svc, err := openService(ctx, settings, nil, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return svc.engine.Run(gctx) })
		if settings.Webhook.Enabled {
			rcv := webhook.NewReceiver(svc.publisher,
				webhook.WithClientState(settings.Webhook.ClientState),
				webhook.WithHealth(func(ctx context.Context) (any, bool) {
					h := svc.engine.Health(ctx)
					return h, h.Healthy()
				}),
				webhook.WithShutdownGrace(shutdownTimeout),
				webhook.WithLogger(logger.With("component", "webhook")),
			)
			g.Go(func() error { return rcv.Run(gctx, settings.Webhook.Addr) })
		}

		logger.Info("plannersync started", "version", Version, "hints", settings.Hints.Transport,
			"default_plan", settings.Graph.DefaultPlanID, "webhook", settings.Webhook.Enabled)
		err = g.Wait()
		logger.Info("plannersync stopped")
		return err
	},
}
