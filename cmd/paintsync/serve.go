package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/candlefish/paintbox-sync/internal/app"
	"github.com/candlefish/paintbox-sync/internal/config"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local status API",
		Long: `Run the sync engine, the connectivity monitor and the local status API
until interrupted.

The status API serves:
  GET    /api/sync/status
  POST   /api/sync/trigger
  GET    /api/sync/items
  POST   /api/sync/items
  POST   /api/sync/items/{id}/retry
  DELETE /api/sync/items/{id}
  GET    /api/sync/conflicts
  DELETE /api/sync/errors
  GET    /api/sync/events     (WebSocket)
  GET    /healthz
  GET    /metrics`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runErr := a.Run(ctx)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
