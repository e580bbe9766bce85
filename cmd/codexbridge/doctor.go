package main

import (
	"encoding/json"

	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/workspace"
	"github.com/spf13/cobra"
)

func newDoctorCmd(opts *options) *cobra.Command {
	var (
		backend    string
		executable string
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that a backend executable starts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			m := workspace.NewManager(workspace.Options{Config: cfg, Version: version})
			report := m.Doctor(cmd.Context(), workspace.Backend(backend), executable)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.OK {
				return errors.New("doctor failed: %s", report.Details)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", string(workspace.BackendAppServer), "Backend to check: appserver or codex")
	cmd.Flags().StringVar(&executable, "executable", "", "Executable to check instead of the backend default")
	return cmd
}
