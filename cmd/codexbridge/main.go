package main

import (
	"fmt"
	"os"

	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const traceFile = "codexbridge.trace"

type options struct {
	configPath string
	trace      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "codexbridge",
		Short:         "JSON-RPC app-server and workspace bridge for coding agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a config file (default: ~/.codexbridge/config.yaml and ./.codexbridge/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.trace, "trace", false, "Enable debug logging to "+traceFile)

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newBridgeCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts *options) (*config.Config, error) {
	if opts.configPath != "" {
		if _, err := os.Stat(opts.configPath); err != nil {
			return nil, errors.Wrapf(err, "config file %s", opts.configPath)
		}
		return config.LoadFiles(opts.configPath)
	}
	return config.Load()
}

func newLogger(opts *options, cfg *config.Config) (*zap.Logger, error) {
	lc := cfg.Logging
	if opts.trace {
		lc.Level = "debug"
		lc.File = traceFile
	}
	return logging.New(lc)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "codexbridge", version)
		},
	}
}
