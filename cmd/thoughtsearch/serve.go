package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	searchhttp "github.com/scttfrdmn/thoughtsearch/adapter/http"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve searches over HTTP and WebSocket",
		Long: `Serve searches over HTTP.

Endpoints:
  POST /search          run a search, body {"query": "...", "rounds": 3}
  POST /resume          continue a session, body {"session_id": "...", "rounds": 2}
  GET  /sessions/{id}   checkpoint statistics for a session
  GET  /ws              WebSocket; send search requests, receive round events
  GET  /metrics         Prometheus metrics
  GET  /health          health check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if addr == "" {
				addr = rt.cfg.Server.Addr
			}

			opts := []searchhttp.ServerOption{
				searchhttp.WithLogger(rt.logger),
				searchhttp.WithRounds(rt.cfg.Search.Rounds, rt.cfg.Server.MaxRounds),
				searchhttp.WithReadTimeout(rt.cfg.Server.ReadTimeout),
			}
			if rt.metricsHandler != nil {
				opts = append(opts, searchhttp.WithMetricsHandler(rt.metricsHandler))
			}
			if rt.checkpoints != nil {
				opts = append(opts, searchhttp.WithCheckpoints(rt.checkpoints))
			}

			server := searchhttp.NewSearchServer(rt.engine, addr, opts...)
			if err := server.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
