package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livesession/internal/schema"
	"github.com/coachpo/livesession/internal/testutil/streamserver"
)

func execute(t *testing.T, srv *streamserver.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LIVESESSION_CONTROL_BASE_URL", srv.URL())
	t.Setenv("LIVESESSION_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStopCommand(t *testing.T) {
	srv := streamserver.New()
	defer srv.Close()

	out, err := execute(t, srv, "stop", "sess-4")
	require.NoError(t, err)
	require.Contains(t, out, "session sess-4 stopped")
	require.Equal(t, []string{"sess-4"}, srv.Stops())
}

func TestStopCommandReportsControlError(t *testing.T) {
	srv := streamserver.New()
	defer srv.Close()
	srv.FailControl(409)

	_, err := execute(t, srv, "stop", "sess-4")
	require.ErrorContains(t, err, "http=409")
}

func TestSpeedCommand(t *testing.T) {
	srv := streamserver.New()
	defer srv.Close()

	out, err := execute(t, srv, "speed", "sess-4", "2.5")
	require.NoError(t, err)
	require.Contains(t, out, "speed set to 2.5x")
	require.Equal(t, []float64{2.5}, srv.Speeds())

	_, err = execute(t, srv, "speed", "sess-4", "fast")
	require.ErrorContains(t, err, "parse multiplier")
	_, err = execute(t, srv, "speed", "sess-4", "0")
	require.Error(t, err)
	require.Len(t, srv.Speeds(), 1)
}

func TestRunCommandFollowsUntilCompleted(t *testing.T) {
	srv := streamserver.New()
	defer srv.Close()

	completed := schema.SessionCompleted
	srv.SetBaseline(schema.Snapshot{Status: schema.SessionRunning, TickNumber: 1})
	srv.Queue(streamserver.Connection{Frames: []schema.Frame{
		srv.Frame(schema.EventTradeUpdate, schema.TradeUpdate{
			CatchupID: 1,
			Trades: []schema.Trade{
				{PositionID: "P1", PnL: decimal.NewFromInt(140)},
				{PositionID: "P2", PnL: decimal.NewFromInt(-30)},
			},
		}),
		srv.Frame(schema.EventTickUpdate, schema.TickUpdate{TickNumber: 375, Status: &completed}),
	}})

	out, err := execute(t, srv, "run", "--user", "u-1", "--strategy", "strat-9", "--speed", "4")
	require.NoError(t, err)
	require.Contains(t, out, "session sess-1 started")
	require.Contains(t, out, "session sess-1 completed: trades=2 wins=1 pnl=110.00")
	require.Equal(t, []float64{4}, srv.Speeds())
	require.Empty(t, srv.Stops())
}

func TestRunCommandRequiresIdentifiers(t *testing.T) {
	srv := streamserver.New()
	defer srv.Close()

	_, err := execute(t, srv, "run", "--user", "u-1")
	require.ErrorContains(t, err, "strategy")
	require.Empty(t, srv.Starts())
}
