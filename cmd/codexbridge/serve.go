package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m4xw311/codexbridge/agent"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/llm"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var (
		workspace   string
		metricsAddr string
		llmClient   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC app-server on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if llmClient != "" {
				cfg.LLMClient = llmClient
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}
			logger, err := newLogger(opts, cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := llm.New(ctx, cfg)
			if err != nil {
				return errors.Wrapf(err, "error initializing %s client", cfg.LLMClient)
			}

			var metrics *observability.Metrics
			if metricsAddr != "" {
				metrics = observability.NewMetrics()
				shutdown := serveHTTP(metricsAddr, metrics.Handler(), logger)
				defer shutdown()
			}

			srv, err := server.New(server.Options{
				Config:    cfg,
				Workspace: workspace,
				Agent:     agent.New(cfg, client, logger, metrics),
				Version:   version,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			return srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Default workspace root for new threads (default: current directory)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&llmClient, "llm", "", "Model provider: anthropic, bedrock, openai, gemini or mock")
	return cmd
}

// serveHTTP runs handler on addr in the background and returns a function
// that shuts it down.
func serveHTTP(addr string, handler http.Handler, logger *zap.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("http listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
