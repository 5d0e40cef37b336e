// octolab-agent runs inside the lab microVM. It reads its token from the
// kernel command line and serves the vsock control channel that the host
// uses to push the compose project and manage it.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/internal/guest"
	"github.com/octolab/octolab/internal/logging"
)

func main() {
	var (
		projectDir string
		dockerBin  string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "octolab-agent",
		Short: "In-guest agent for octolab microVM labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured("text", logLevel)

			cmdline, err := os.ReadFile("/proc/cmdline")
			if err != nil {
				return fmt.Errorf("read kernel cmdline: %w", err)
			}
			token, err := guest.TokenFromKernelCmdline(string(cmdline))
			if err != nil {
				return err
			}

			agent, err := guest.NewAgent(guest.Options{
				Token:      token,
				ProjectDir: projectDir,
				DockerBin:  dockerBin,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Op().Info("agent listening", "vsock_port", guest.Port)
			return agent.ListenAndServe(ctx)
		},
	}

	rootCmd.Flags().StringVar(&projectDir, "project-dir", guest.DefaultProjectDir, "Where the compose project is staged")
	rootCmd.Flags().StringVar(&dockerBin, "docker", "docker", "Docker binary")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
