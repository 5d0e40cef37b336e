package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "octolabd",
		Short: "octolab - CVE rehearsal lab orchestrator",
		Long:  "Provisions isolated attacker/target labs in docker compose projects or Firecracker microVMs",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file")

	rootCmd.AddCommand(
		daemonCmd(),
		doctorCmd(),
		smokeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
