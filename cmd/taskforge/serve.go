package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/server"
)

// shutdownTimeout bounds how long executions get to hand their tasks back.
const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr    string
		project string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with the HTTP API and event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), opts, project)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&project, "project", "", "only schedule this project (default: every project)")
	return cmd
}

func serve(ctx context.Context, opts *options, project string) error {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:        opts.cfg.Server.Addr,
		CORSOrigins: opts.cfg.Server.CORSOrigins,
		Debug:       opts.cfg.Server.Debug,
	}, server.Deps{
		Graph:    a.graph,
		Pool:     a.pool,
		Batches:  a.batches,
		Bus:      a.bus,
		Gatherer: a.registry,
		Logger:   logging.Component(opts.logger, "server"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		err := a.pool.Run(gctx, project)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	runErr := g.Wait()

	opts.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		opts.logger.Error("shutdown incomplete", "error", err)
	}
	return runErr
}
