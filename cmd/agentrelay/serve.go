package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/channel/matrix"
	"github.com/hupe1980/agentrelay/ingress"
	"github.com/hupe1980/agentrelay/internal/telemetry"
	"github.com/hupe1980/agentrelay/server"
	"github.com/hupe1980/agentrelay/sim"
)

func newServeCmd(c *cli) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the group channel watcher",
		Long: `serve resumes every open run on the ledger, exposes the group chat API
and forwards messages from the group channel to their sessions until it
receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
			if err != nil {
				return fmt.Errorf("failed to set up tracing: %w", err)
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					c.logger.Warn("Tracing shutdown failed", "error", err)
				}
			}()

			a, err := wireApp(ctx, cfg, c.logger, wireOptions{echo: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					c.logger.Warn("Close failed", "error", err)
				}
			}()

			return a.serve(ctx, simulate)
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "Answer the lead's runs in-process with the configured simulator model")

	return cmd
}

// serve runs every long-lived component until ctx is done, then shuts
// the sessions down.
func (a *app) serve(ctx context.Context, simulate bool) error {
	cfg := a.cfg

	g, gctx := errgroup.WithContext(ctx)

	if simulate {
		if a.writable == nil {
			return errors.New("--simulate needs a memory or sqlite ledger")
		}
		m, err := newModel(cfg)
		if err != nil {
			return err
		}
		s := sim.New(a.writable, m, func(o *sim.Options) {
			o.PollInterval = cfg.Simulator.PollInterval
			o.Logger = a.logger
		})
		g.Go(func() error { return s.Run(gctx) })
	}

	resumed, err := a.relay.Resume(ctx)
	if err != nil {
		a.logger.Warn("Resume incomplete", "resumed", resumed, "error", err)
	} else {
		a.logger.Info("Sessions resumed", "count", resumed)
	}

	sup := a.relay.Supervisor()
	fwd := ingress.New(sup, a.ignored(), func(o *ingress.Options) {
		o.Logger = a.logger
		o.LogMessages = cfg.Log.Messages
	})

	if a.matrix != nil {
		w := matrix.NewWatcher(a.matrix, func(o *matrix.WatcherOptions) {
			o.PollTimeout = cfg.Channel.SyncTimeout
			o.RetryDelay = cfg.Channel.RetryDelay
			o.Logger = a.logger
		})
		g.Go(func() error {
			if err := w.Run(gctx, fwd.Handle); err != nil && gctx.Err() == nil {
				return fmt.Errorf("matrix watcher: %w", err)
			}
			return nil
		})
	}

	srv := server.New(sup, func(o *server.Options) {
		o.Logger = a.logger
		o.ShutdownTimeout = cfg.Server.ShutdownTimeout
	})
	g.Go(func() error { return srv.Serve(gctx, cfg.Server.Addr) })

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := a.relay.Shutdown(shutdownCtx)
	fwd.Wait()

	return errors.Join(runErr, shutdownErr)
}
