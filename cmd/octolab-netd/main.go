// octolab-netd is the privileged network daemon. It runs as root,
// listens on a UNIX socket, and owns every ip/iptables invocation so
// that the main daemon never needs elevated rights.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/netd"
)

func main() {
	var (
		socketPath string
		logLevel   string
		logFormat  string
	)

	rootCmd := &cobra.Command{
		Use:   "octolab-netd",
		Short: "Privileged network daemon for octolab microVM labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured(logFormat, logLevel)

			server := netd.NewServer(socketPath, netd.ExecRunner{})
			ln, err := server.Listen()
			if err != nil {
				return err
			}
			defer ln.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Op().Info("netd listening", "socket", socketPath)
			return server.Serve(ctx, ln)
		},
	}

	rootCmd.Flags().StringVar(&socketPath, "socket", netd.DefaultSocketPath, "UNIX socket path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
