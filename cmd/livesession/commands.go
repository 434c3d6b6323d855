package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
	"github.com/coachpo/livesession/internal/session"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		params session.StartParams
		speed  float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session and follow it until it completes",
		Example: `  livesession run --user u-1 --strategy 42
  livesession run --user u-1 --strategy 42 --speed 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			controller, err := a.controller(ctx)
			if err != nil {
				return err
			}
			sess, err := controller.Start(ctx, params)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s started (%s)\n", sess.ID, sess.StreamURL)

			if speed > 0 {
				if err := controller.SetSpeed(ctx, speed); err != nil {
					a.logger.Warn("set speed failed", observability.F("err", err))
				}
			}

			interrupted := follow(ctx, controller, cmd.OutOrStdout())
			if !interrupted {
				return nil
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			if err := controller.Stop(stopCtx); err != nil {
				controller.Detach()
				return fmt.Errorf("stop session %s: %w", sess.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s stopped\n", sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&params.StrategyID, "strategy", "", "strategy id")
	cmd.Flags().StringVar(&params.StrategyName, "strategy-name", "", "strategy display name")
	cmd.Flags().StringVar(&params.BrokerConnectionID, "broker", "", "broker connection id")
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed multiplier")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "watch <session-id>",
		Short:   "Follow a running session without controlling it",
		Example: `  livesession watch 6f1c2d`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			controller, err := a.controller(ctx)
			if err != nil {
				return err
			}
			if _, err := controller.Attach(args[0]); err != nil {
				return fmt.Errorf("watch session: %w", err)
			}
			follow(ctx, controller, cmd.OutOrStdout())
			controller.Detach()
			return nil
		},
	}
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Stop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("stop session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s stopped\n", args[0])
			return nil
		},
	}
}

func newSpeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "speed <session-id> <multiplier>",
		Short:   "Change the replay speed of a session",
		Example: `  livesession speed 6f1c2d 8`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			multiplier, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse multiplier %q: %w", args[1], err)
			}
			if err := a.client.SetSpeed(cmd.Context(), args[0], multiplier); err != nil {
				return fmt.Errorf("set speed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s speed set to %gx\n", args[0], multiplier)
			return nil
		},
	}
}

// follow prints a line per snapshot update until the stream loop exits or ctx
// is cancelled. It reports whether ctx ended the wait.
func follow(ctx context.Context, controller *session.Controller, out io.Writer) bool {
	updates, cancel, err := controller.Subscribe()
	if err != nil {
		return false
	}
	defer cancel()

	var printer conc.WaitGroup
	printer.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-controller.Done():
				summarize(out, controller)
				return
			case snap := <-updates:
				printSnapshot(out, snap)
			}
		}
	})
	printer.Wait()
	return ctx.Err() != nil
}

func printSnapshot(out io.Writer, snap schema.Snapshot) {
	fmt.Fprintf(out, "tick=%d time=%s progress=%.1f%% status=%s open=%d trades=%d pnl=%s win_rate=%.1f%%\n",
		snap.TickNumber,
		snap.CurrentTime,
		snap.Progress,
		snap.Status,
		len(snap.OpenPositions),
		len(snap.Trades),
		snap.TotalPnL().StringFixed(2),
		snap.WinRate(),
	)
}

func summarize(out io.Writer, controller *session.Controller) {
	snap, ok := controller.Snapshot()
	if !ok {
		return
	}
	sess, _ := controller.Session()
	stats, _ := controller.Stats()
	fmt.Fprintf(out, "session %s %s: trades=%d wins=%d pnl=%s reconnects=%d gaps=%d duplicates=%d\n",
		sess.ID,
		sess.Status,
		len(snap.Trades),
		snap.Wins(),
		snap.TotalPnL().StringFixed(2),
		stats.Reconnects,
		stats.Gaps,
		stats.Duplicates,
	)
}
