package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/internal/config"
	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
)

func smokeCmd() *cobra.Command {
	var runtimeName string

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Provision and destroy a throwaway lab end to end",
		Long:  "Destructive preflight: boots a real lab on the selected runtime and tears it down again. Exits non-zero if any phase fails.",
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
			result := rt.Smoke(cmd.Context())

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.OK {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runtimeName, "runtime", string(domain.RuntimeFirecracker), "Runtime to smoke test (compose or firecracker)")
	return cmd
}
