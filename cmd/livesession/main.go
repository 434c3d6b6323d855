// Command livesession starts, follows and controls live strategy sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/livesession.yaml"

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "livesession:", err)
		cancel()
		os.Exit(1)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		a          = new(app)
	)

	root := &cobra.Command{
		Use:   "livesession",
		Short: "Live strategy session client",
		Long: `livesession opens the push channel of a running tick-by-tick trading session,
keeps a reconstructed snapshot of positions, P&L, node execution and trades,
and reconnects with a fresh baseline whenever the channel drops.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context(), configPath, debug)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.shutdown()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", fmt.Sprintf("path to configuration file (default: %s)", defaultConfigPath))
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(a),
		newWatchCmd(a),
		newStopCmd(a),
		newSpeedCmd(a),
	)
	return root
}
