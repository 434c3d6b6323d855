package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livesession/internal/schema"
)

func ptr[T any](v T) *T { return &v }

func baseline() schema.Snapshot {
	return schema.Snapshot{
		SessionID:   "s-1",
		Status:      schema.SessionRunning,
		TickNumber:  10,
		CurrentTime: "09:20",
		Progress:    40,
		ActiveNodes: []schema.NodeState{{NodeID: "entry-1", NodeType: "EntryNode", Status: schema.NodeActive}},
		PendingNodes: []schema.NodeState{
			{NodeID: "exit-1", NodeType: "ExitNode", Status: schema.NodePending},
		},
		OpenPositions: []schema.Position{{PositionID: "P0", Symbol: "NIFTY", Quantity: decimal.NewFromInt(50)}},
		LTP:           map[string]decimal.Decimal{"NIFTY": decimal.NewFromInt(22000)},
		Sequence:      schema.SequenceState{LastNodeCatchupID: 3, LastTradeCatchupID: 1},
	}
}

func TestApplyBaselineReplacesEverything(t *testing.T) {
	r := New("s-1")
	r.ApplyTradeBulk(schema.TradeUpdate{Trades: []schema.Trade{{PositionID: "old"}}})

	r.ApplyBaseline(baseline())
	snap := r.CurrentSnapshot()
	require.Empty(t, snap.Trades)
	require.Equal(t, "09:20", snap.CurrentTime)
	require.Equal(t, uint64(3), snap.Sequence.LastNodeCatchupID)
	require.Contains(t, snap.Nodes, "entry-1")
	require.Contains(t, snap.Nodes, "exit-1")

	r.ApplyBaseline(schema.Snapshot{})
	require.Equal(t, "s-1", r.CurrentSnapshot().SessionID)
}

func TestApplyTickMergesOnlyPresentFields(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())

	r.ApplyTick(schema.TickUpdate{Progress: ptr(42.0)})
	snap := r.CurrentSnapshot()
	require.Equal(t, 42.0, snap.Progress)
	require.Equal(t, "09:20", snap.CurrentTime)
	require.Equal(t, int64(10), snap.TickNumber)
	require.Len(t, snap.OpenPositions, 1)
	require.True(t, snap.LTP["NIFTY"].Equal(decimal.NewFromInt(22000)))
}

func TestApplyTickEmptyListIsPresent(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())

	r.ApplyTick(schema.TickUpdate{
		TickNumber:    11,
		OpenPositions: &[]schema.Position{},
		ActiveNodes:   &[]schema.NodeState{},
		Status:        ptr(schema.SessionCompleted),
		PnL: &schema.PnLSummary{
			Realized: decimal.NewFromInt(100), Unrealized: decimal.Zero, Total: decimal.NewFromInt(100),
		},
	})
	snap := r.CurrentSnapshot()
	require.NotNil(t, snap.OpenPositions)
	require.Empty(t, snap.OpenPositions)
	require.Empty(t, snap.ActiveNodes)
	require.Len(t, snap.PendingNodes, 1)
	require.Equal(t, int64(11), snap.TickNumber)
	require.Equal(t, schema.SessionCompleted, snap.Status)
	require.True(t, snap.PnL.Total.Equal(decimal.NewFromInt(100)))
}

func TestApplyTradeBulkReplacesHistory(t *testing.T) {
	r := New("s-1")
	r.ApplyTradeBulk(schema.TradeUpdate{CatchupID: 1, Trades: []schema.Trade{
		{PositionID: "P1", PnL: decimal.NewFromInt(150)},
	}})
	r.ApplyTradeBulk(schema.TradeUpdate{CatchupID: 2, Trades: []schema.Trade{
		{PositionID: "P1", PnL: decimal.NewFromInt(140)},
		{PositionID: "P2", PnL: decimal.NewFromInt(-30)},
	}})

	snap := r.CurrentSnapshot()
	require.Len(t, snap.Trades, 2)
	p1, ok := snap.Trade("P1")
	require.True(t, ok)
	require.True(t, p1.PnL.Equal(decimal.NewFromInt(140)))
	require.True(t, snap.TotalPnL().Equal(decimal.NewFromInt(110)))
	require.Equal(t, 50.0, snap.WinRate())
	require.Equal(t, uint64(2), snap.Sequence.LastTradeCatchupID)
}

func nodeEvent(execID string, catchup uint64, nodeID string, status schema.NodeStatus) schema.NodeEvent {
	return schema.NodeEvent{
		ExecutionID: execID,
		CatchupID:   catchup,
		Event:       schema.NodeEventDetail{NodeID: nodeID, Status: status, Action: "evaluate"},
	}
}

func TestApplyNodeEventsUpsertsByExecutionID(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())

	r.ApplyNodeEvents([]schema.NodeEvent{nodeEvent("e1", 4, "entry-1", schema.NodeActive)})
	r.ApplyNodeEvents([]schema.NodeEvent{
		nodeEvent("e2", 5, "exit-1", schema.NodeActive),
		nodeEvent("e2", 5, "exit-1", schema.NodeActive),
	})

	snap := r.CurrentSnapshot()
	require.Len(t, snap.Diagnostics, 2)
	require.Equal(t, schema.NodeActive, snap.Nodes["exit-1"].Status)
	require.Equal(t, "evaluate", snap.Nodes["exit-1"].LastAction)
	require.Equal(t, schema.NodeActive, snap.PendingNodes[0].Status)
	require.Equal(t, uint64(5), snap.Sequence.LastNodeCatchupID)
}

func TestApplyNodeEventsPartialDetailKeepsKnownFields(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())
	r.ApplyNodeEvents([]schema.NodeEvent{{
		ExecutionID: "e9",
		CatchupID:   9,
		Event: schema.NodeEventDetail{
			NodeID:              "entry-1",
			ConditionsEvaluated: ptr(3),
			OrderInfo:           map[string]any{"order_id": "o-1"},
		},
	}})

	node := r.CurrentSnapshot().Nodes["entry-1"]
	require.Equal(t, "EntryNode", node.NodeType)
	require.Equal(t, schema.NodeActive, node.Status)
	require.Equal(t, 3, node.ConditionsEvaluated)
	require.Equal(t, "o-1", node.OrderInfo["order_id"])
}

func TestApplyInitialStateReplaysHistory(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())
	r.ApplyNodeEvents([]schema.NodeEvent{nodeEvent("stale", 2, "entry-1", schema.NodeActive)})

	r.ApplyInitialState(schema.InitialState{
		Diagnostics: map[string]schema.NodeEvent{
			"e2": nodeEvent("", 7, "entry-1", schema.NodeCompleted),
			"e1": nodeEvent("e1", 6, "entry-1", schema.NodeActive),
		},
		Trades: &schema.TradeUpdate{CatchupID: 4, Trades: []schema.Trade{{PositionID: "P1"}}},
	})

	snap := r.CurrentSnapshot()
	require.Len(t, snap.Diagnostics, 2)
	require.NotContains(t, snap.Diagnostics, "stale")
	require.Equal(t, "e2", snap.Diagnostics["e2"].ExecutionID)
	require.Equal(t, schema.NodeCompleted, snap.Nodes["entry-1"].Status)
	require.Len(t, snap.Trades, 1)
	require.Equal(t, schema.SequenceState{LastNodeCatchupID: 7, LastTradeCatchupID: 4}, snap.Sequence)
}

// Re-applying an already applied event leaves the snapshot unchanged.
func TestApplyIsIdempotent(t *testing.T) {
	events := []schema.NodeEvent{nodeEvent("e1", 4, "entry-1", schema.NodeCompleted)}
	trades := schema.TradeUpdate{CatchupID: 2, Trades: []schema.Trade{{PositionID: "P1", PnL: decimal.NewFromInt(5)}}}
	tick := schema.TickUpdate{TickNumber: 12, CurrentTime: ptr("09:21")}

	r := New("s-1")
	r.ApplyBaseline(baseline())
	r.ApplyNodeEvents(events)
	r.ApplyTradeBulk(trades)
	r.ApplyTick(tick)
	once := r.CurrentSnapshot()

	r.ApplyNodeEvents(events)
	r.ApplyTradeBulk(trades)
	r.ApplyTick(tick)
	require.Equal(t, once, r.CurrentSnapshot())
}

func TestCurrentSnapshotIsDetached(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())

	snap := r.CurrentSnapshot()
	snap.ActiveNodes[0].Status = schema.NodeCompleted
	snap.LTP["NIFTY"] = decimal.Zero
	snap.Nodes["entry-1"] = schema.NodeState{}

	fresh := r.CurrentSnapshot()
	require.Equal(t, schema.NodeActive, fresh.ActiveNodes[0].Status)
	require.True(t, fresh.LTP["NIFTY"].Equal(decimal.NewFromInt(22000)))
	require.Equal(t, "entry-1", fresh.Nodes["entry-1"].NodeID)
}

func TestSubscribeDeliversLatest(t *testing.T) {
	r := New("s-1")
	updates, cancel := r.Subscribe()

	for i := int64(1); i <= 5; i++ {
		r.ApplyTick(schema.TickUpdate{TickNumber: i})
	}
	select {
	case snap := <-updates:
		require.Equal(t, int64(5), snap.TickNumber)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	require.Equal(t, uint64(5), r.Version())

	cancel()
	cancel()
	r.ApplyTick(schema.TickUpdate{TickNumber: 6})
	_, open := <-updates
	require.False(t, open, "cancelled subscriber received an update")
}

func TestSubscribeCancelEndsRange(t *testing.T) {
	r := New("s-1")
	updates, cancel := r.Subscribe()

	seen := make(chan int64, 1)
	go func() {
		var last int64
		for snap := range updates {
			last = snap.TickNumber
		}
		seen <- last
	}()

	r.ApplyTick(schema.TickUpdate{TickNumber: 1})
	require.Eventually(t, func() bool { return r.Version() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("range over updates did not end after cancel")
	}
}

func TestReadersNeverBlockWriters(t *testing.T) {
	r := New("s-1")
	r.ApplyBaseline(baseline())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					snap := r.CurrentSnapshot()
					_ = snap.TotalPnL()
				}
			}
		}()
	}
	for i := int64(1); i <= 200; i++ {
		r.ApplyTick(schema.TickUpdate{TickNumber: i, Progress: ptr(float64(i) / 2)})
		r.ApplyNodeEvents([]schema.NodeEvent{nodeEvent("e", uint64(i), "entry-1", schema.NodeActive)})
	}
	close(stop)
	wg.Wait()
	require.Equal(t, int64(200), r.CurrentSnapshot().TickNumber)
}
