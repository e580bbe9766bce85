package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m4xw311/codexbridge/bridge"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBridgeCmd(opts *options) *cobra.Command {
	var (
		addr       string
		workspaces []string
		backend    string
	)
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the workspace registry over a websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Bridge.Addr
			}
			logger, err := newLogger(opts, cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			hub := bridge.NewHub(bridge.Options{
				Config:  cfg,
				Version: version,
				Logger:  logger,
				Metrics: observability.NewMetrics(),
			})
			defer hub.Close()
			for _, path := range workspaces {
				e, err := hub.Manager().Add(workspace.Entry{Path: path, Backend: workspace.Backend(backend)})
				if err != nil {
					return err
				}
				logger.Info("registered workspace", zap.String("workspace", e.ID), zap.String("path", e.Path))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 10 * time.Second}
			errc := make(chan error, 1)
			go func() {
				logger.Info("bridge listening", zap.String("addr", addr))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return errors.Wrapf(err, "bridge server failed")
			case <-ctx.Done():
				logger.Info("shutting down bridge")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				hub.Close()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: bridge.addr from config)")
	cmd.Flags().StringSliceVar(&workspaces, "add", nil, "Register a workspace directory at startup (repeatable)")
	cmd.Flags().StringVar(&backend, "backend", string(workspace.BackendAppServer), "Backend for workspaces registered with --add: appserver or codex")
	return cmd
}
