package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/internal/config"
	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/runtime"
)

func doctorCmd() *cobra.Command {
	var runtimeName string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run host readiness checks for a runtime",
		Long:  "Read-only preflight: verifies binaries, kernel image, devices, and netd reachability. Exits non-zero on a fatal check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

			rt, err := pickRuntime(cfg, runtimeName)
			if err != nil {
				return err
			}
			report := rt.Doctor(cmd.Context())

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.OK {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runtimeName, "runtime", string(domain.RuntimeFirecracker), "Runtime to check (compose or firecracker)")
	return cmd
}

func pickRuntime(cfg *config.Config, name string) (runtime.Runtime, error) {
	comp, fc, err := buildBackends(cfg, nil)
	if err != nil {
		return nil, err
	}
	switch domain.RuntimeName(name) {
	case domain.RuntimeCompose:
		return comp, nil
	case domain.RuntimeFirecracker:
		return fc, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", name)
	}
}
