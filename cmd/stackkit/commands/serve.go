package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackkit/stackkit/pkg/orchestrator"
	"github.com/stackkit/stackkit/pkg/rollback"
	"github.com/stackkit/stackkit/pkg/server"
	"github.com/stackkit/stackkit/pkg/statesync"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddr  string
		withMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the state server and background loops",
		Long: `Run the HTTP state server, so this host acts as the durable remote
for peers using the http sync backend.

Alongside the server:
  - the rollback trigger monitor evaluates every stack each tick
    (disable with --monitor=false)
  - when sync.mode is auto, the sync scheduler pushes and pulls state
    on its interval and a file watcher queues locally edited stacks

Endpoints: /deployments/{id}/state (POST/PUT/GET/DELETE), /deployments,
/healthz, /metrics.`,
		Example: `  # Serve on the configured address
  stackkit serve

  # Serve on an explicit port, without the trigger monitor
  stackkit serve --listen :9090 --monitor=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			addr := listenAddr
			if addr == "" {
				addr = app.cfg.Server.ListenAddress
			}
			srv, err := server.New(server.Config{
				Dir:           app.cfg.Server.DataDir,
				ListenAddress: addr,
				ReadTimeout:   app.cfg.Server.ReadTimeout(),
				WriteTimeout:  app.cfg.Server.WriteTimeout(),
				Token:         app.cfg.Sync.HTTP.Token,
				Logger:        app.logger,
				Metrics:       app.metrics,
			})
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Run(ctx) })

			if withMonitor {
				engine, err := app.newRollbackEngine(ctx)
				if err != nil {
					return err
				}
				prober, err := app.newProber()
				if err != nil {
					return err
				}
				monitor, err := rollback.NewMonitor(rollback.MonitorConfig{
					Engine: engine,
					Source: orchestrator.NewSignalSource(orchestrator.SignalConfig{
						Prober:           prober,
						DefaultTimeout:   app.cfg.Deploy.Timeout(),
						DefaultCostLimit: 0,
					}),
					Interval: app.cfg.Rollback.MonitorInterval(),
					Logger:   app.logger,
				})
				if err != nil {
					return err
				}
				g.Go(func() error { return monitor.Run(ctx) })
			}

			if app.cfg.Sync.Mode == string(statesync.ModeAuto) {
				syncer, err := app.newSyncer(ctx)
				if err != nil {
					return err
				}
				scheduler, err := statesync.NewScheduler(statesync.SchedulerConfig{
					Syncer:   syncer,
					Interval: app.cfg.Sync.Interval(),
					Mode:     statesync.ModeAuto,
					Logger:   app.logger,
				})
				if err != nil {
					return err
				}
				g.Go(func() error { return syncer.WatchLocal(ctx) })
				g.Go(func() error { return scheduler.Run(ctx) })
			}

			// Cancellation is the normal way to stop serving.
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (defaults to server.listen_address)")
	cmd.Flags().BoolVar(&withMonitor, "monitor", true, "run the rollback trigger monitor")

	return cmd
}
