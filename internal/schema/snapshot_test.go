package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDerivedAggregates(t *testing.T) {
	snap := Snapshot{Trades: []Trade{
		{PositionID: "P1", PnL: decimal.NewFromInt(150)},
		{PositionID: "P2", PnL: decimal.NewFromInt(-30)},
		{PositionID: "P3", PnL: decimal.NewFromInt(20)},
		{PositionID: "P4", PnL: decimal.Zero},
	}}

	require.True(t, snap.TotalPnL().Equal(decimal.NewFromInt(140)))
	require.Equal(t, 2, snap.Wins())
	require.InDelta(t, 50.0, snap.WinRate(), 1e-9)

	trade, ok := snap.Trade("P2")
	require.True(t, ok)
	require.True(t, trade.PnL.Equal(decimal.NewFromInt(-30)))
	_, ok = snap.Trade("missing")
	require.False(t, ok)
}

func TestSnapshotWinRateWithoutTrades(t *testing.T) {
	require.Zero(t, Snapshot{}.WinRate())
	require.True(t, Snapshot{}.TotalPnL().IsZero())
}

func TestSnapshotCloneIsDetached(t *testing.T) {
	conditions := 3
	src := Snapshot{
		SessionID:   "s-1",
		ActiveNodes: []NodeState{{NodeID: "n1", OrderInfo: map[string]any{"qty": 1, "legs": []any{map[string]any{"id": "a"}}}}},
		Nodes:       map[string]NodeState{"n1": {NodeID: "n1"}},
		LTP:         map[string]decimal.Decimal{"NIFTY": decimal.NewFromInt(22000)},
		Trades:      []Trade{{PositionID: "P1"}},
		Diagnostics: map[string]NodeEvent{"e1": {ExecutionID: "e1", Event: NodeEventDetail{NodeID: "n1", ConditionsEvaluated: &conditions}}},
		Summary:     &TradeSummary{TotalTrades: 1},
	}

	clone := src.Clone()
	require.Equal(t, src, clone)

	clone.ActiveNodes[0].OrderInfo["qty"] = 2
	clone.ActiveNodes[0].OrderInfo["legs"].([]any)[0].(map[string]any)["id"] = "b"
	clone.Nodes["n2"] = NodeState{NodeID: "n2"}
	clone.LTP["NIFTY"] = decimal.NewFromInt(1)
	clone.Trades[0].PositionID = "changed"
	*clone.Diagnostics["e1"].Event.ConditionsEvaluated = 9
	clone.Summary.TotalTrades = 5

	require.Equal(t, 1, src.ActiveNodes[0].OrderInfo["qty"])
	require.Equal(t, "a", src.ActiveNodes[0].OrderInfo["legs"].([]any)[0].(map[string]any)["id"])
	require.Len(t, src.Nodes, 1)
	require.True(t, src.LTP["NIFTY"].Equal(decimal.NewFromInt(22000)))
	require.Equal(t, "P1", src.Trades[0].PositionID)
	require.Equal(t, 3, *src.Diagnostics["e1"].Event.ConditionsEvaluated)
	require.Equal(t, 1, src.Summary.TotalTrades)
}

func TestSnapshotClonePreservesNilCollections(t *testing.T) {
	clone := Snapshot{}.Clone()
	require.Nil(t, clone.Trades)
	require.Nil(t, clone.Diagnostics)
	require.Nil(t, clone.LTP)
	require.Equal(t, Snapshot{}, clone)
}

func TestParseEventName(t *testing.T) {
	name, err := ParseEventName(" Tick_Update ")
	require.NoError(t, err)
	require.Equal(t, EventTickUpdate, name)
	require.False(t, name.Compressed())
	require.True(t, EventNodeEvents.Compressed())

	_, err = ParseEventName("message")
	require.Error(t, err)
	_, err = ParseEventName("")
	require.Error(t, err)
}

func TestInitialStateMaxNodeCatchupID(t *testing.T) {
	state := &InitialState{Diagnostics: map[string]NodeEvent{
		"a": {CatchupID: 4},
		"b": {CatchupID: 11},
		"c": {CatchupID: 7},
	}}
	require.Equal(t, uint64(11), state.MaxNodeCatchupID())
	var empty *InitialState
	require.Zero(t, empty.MaxNodeCatchupID())
}
