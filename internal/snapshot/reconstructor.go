// Package snapshot reconstructs a consistent session snapshot from a baseline
// plus the decoded stream events that follow it.
package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coachpo/livesession/internal/schema"
)

// Reader is the read side handed to collaborators such as renderers.
type Reader interface {
	CurrentSnapshot() schema.Snapshot
	Subscribe() (<-chan schema.Snapshot, func())
}

// Reconstructor owns the session snapshot. Writers are serialized; readers
// load the latest published version without taking the writer lock.
type Reconstructor struct {
	mu      sync.Mutex
	current atomic.Pointer[schema.Snapshot]
	version atomic.Uint64

	subMu   sync.Mutex
	subs    map[uint64]chan schema.Snapshot
	nextSub uint64
}

// New returns a reconstructor holding an empty snapshot for sessionID.
func New(sessionID string) *Reconstructor {
	r := &Reconstructor{subs: make(map[uint64]chan schema.Snapshot)}
	r.current.Store(&schema.Snapshot{SessionID: sessionID})
	return r
}

// ApplyBaseline replaces the whole snapshot with one fetched from the control plane.
func (r *Reconstructor) ApplyBaseline(baseline schema.Snapshot) {
	r.mutate(func(prev schema.Snapshot) schema.Snapshot {
		next := baseline.Clone()
		if next.SessionID == "" {
			next.SessionID = prev.SessionID
		}
		if next.Nodes == nil && (len(next.ActiveNodes) > 0 || len(next.PendingNodes) > 0) {
			next.Nodes = make(map[string]schema.NodeState, len(next.ActiveNodes)+len(next.PendingNodes))
			for _, n := range next.PendingNodes {
				next.Nodes[n.NodeID] = n.Clone()
			}
			for _, n := range next.ActiveNodes {
				next.Nodes[n.NodeID] = n.Clone()
			}
		}
		return next
	})
}

// ApplyTick overwrites exactly the fields present in the update.
func (r *Reconstructor) ApplyTick(tick schema.TickUpdate) {
	r.mutate(func(next schema.Snapshot) schema.Snapshot {
		if tick.TickNumber != 0 {
			next.TickNumber = tick.TickNumber
		}
		if tick.Timestamp != "" {
			next.Timestamp = tick.Timestamp
		}
		if tick.Status != nil {
			next.Status = *tick.Status
		}
		if tick.CurrentTime != nil {
			next.CurrentTime = *tick.CurrentTime
		}
		if tick.Progress != nil {
			next.Progress = *tick.Progress
		}
		if tick.ActiveNodes != nil {
			next.ActiveNodes = nonNilNodes(*tick.ActiveNodes)
			next.Nodes = withNodes(next.Nodes, next.ActiveNodes)
		}
		if tick.PendingNodes != nil {
			next.PendingNodes = nonNilNodes(*tick.PendingNodes)
			next.Nodes = withNodes(next.Nodes, next.PendingNodes)
		}
		if tick.OpenPositions != nil {
			next.OpenPositions = schema.ClonePositions(*tick.OpenPositions)
			if next.OpenPositions == nil {
				next.OpenPositions = []schema.Position{}
			}
		}
		if tick.PnL != nil {
			next.PnL = *tick.PnL
		}
		if tick.LTP != nil {
			next.LTP = schema.CloneLTP(*tick.LTP)
		}
		return next
	})
}

// ApplyNodeEvents upserts diagnostics by execution id and folds each event
// into the per-node state, in array order.
func (r *Reconstructor) ApplyNodeEvents(events []schema.NodeEvent) {
	if len(events) == 0 {
		return
	}
	r.mutate(func(next schema.Snapshot) schema.Snapshot {
		next.Diagnostics = copyDiagnostics(next.Diagnostics, len(events))
		next.Nodes = copyNodes(next.Nodes)
		next.ActiveNodes = schema.CloneNodeStates(next.ActiveNodes)
		next.PendingNodes = schema.CloneNodeStates(next.PendingNodes)
		for _, evt := range events {
			applyNodeEvent(&next, evt)
		}
		return next
	})
}

// ApplyTradeBulk replaces the trade history wholesale; trade_update frames
// always carry the complete list.
func (r *Reconstructor) ApplyTradeBulk(update schema.TradeUpdate) {
	r.mutate(func(next schema.Snapshot) schema.Snapshot {
		applyTrades(&next, update)
		return next
	})
}

// ApplyInitialState replaces diagnostics and trades from the stream's own
// history frame and replays the node history into per-node state.
func (r *Reconstructor) ApplyInitialState(state schema.InitialState) {
	r.mutate(func(next schema.Snapshot) schema.Snapshot {
		if state.Diagnostics != nil {
			next.Diagnostics = make(map[string]schema.NodeEvent, len(state.Diagnostics))
			next.Nodes = copyNodes(next.Nodes)
			next.ActiveNodes = schema.CloneNodeStates(next.ActiveNodes)
			next.PendingNodes = schema.CloneNodeStates(next.PendingNodes)

			history := make([]schema.NodeEvent, 0, len(state.Diagnostics))
			for key, evt := range state.Diagnostics {
				if evt.ExecutionID == "" {
					evt.ExecutionID = key
				}
				history = append(history, evt)
			}
			sort.SliceStable(history, func(i, j int) bool {
				if history[i].CatchupID != history[j].CatchupID {
					return history[i].CatchupID < history[j].CatchupID
				}
				return history[i].ExecutionID < history[j].ExecutionID
			})
			for _, evt := range history {
				applyNodeEvent(&next, evt)
			}
		}
		if state.Trades != nil {
			applyTrades(&next, *state.Trades)
		}
		return next
	})
}

// CurrentSnapshot returns a deep copy of the latest snapshot.
func (r *Reconstructor) CurrentSnapshot() schema.Snapshot {
	return r.current.Load().Clone()
}

// Status reports the session status of the latest snapshot without copying it.
func (r *Reconstructor) Status() schema.SessionStatus {
	return r.current.Load().Status
}

// Version increments on every applied mutation.
func (r *Reconstructor) Version() uint64 {
	return r.version.Load()
}

// Subscribe returns a channel receiving the latest snapshot after each
// mutation. Slow subscribers only ever see the newest value. cancel closes
// the channel.
func (r *Reconstructor) Subscribe() (<-chan schema.Snapshot, func()) {
	ch := make(chan schema.Snapshot, 1)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			close(ch)
			r.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (r *Reconstructor) mutate(fn func(schema.Snapshot) schema.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := fn(*r.current.Load())
	r.current.Store(&next)
	r.version.Add(1)
	r.publish(&next)
}

func (r *Reconstructor) publish(snap *schema.Snapshot) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		value := snap.Clone()
		select {
		case ch <- value:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- value:
		default:
		}
	}
}

func applyNodeEvent(next *schema.Snapshot, evt schema.NodeEvent) {
	detail := evt.Event
	key := evt.ExecutionID
	if key == "" {
		key = fmt.Sprintf("%s:%d", detail.NodeID, evt.CatchupID)
	}
	next.Diagnostics[key] = evt.Clone()
	if evt.CatchupID > next.Sequence.LastNodeCatchupID {
		next.Sequence.LastNodeCatchupID = evt.CatchupID
	}
	if detail.NodeID == "" {
		return
	}

	node, ok := next.Nodes[detail.NodeID]
	if !ok {
		node = schema.NodeState{NodeID: detail.NodeID}
	}
	if detail.NodeType != "" {
		node.NodeType = detail.NodeType
	}
	if detail.Status != "" {
		node.Status = detail.Status
	}
	if detail.Action != "" {
		node.LastAction = detail.Action
	}
	if detail.ConditionsEvaluated != nil {
		node.ConditionsEvaluated = *detail.ConditionsEvaluated
	}
	if detail.OrderInfo != nil {
		node.OrderInfo = detail.OrderInfo
	}
	if detail.TargetInfo != nil {
		node.TargetInfo = detail.TargetInfo
	}
	if detail.SLInfo != nil {
		node.SLInfo = detail.SLInfo
	}
	node = node.Clone()
	next.Nodes[detail.NodeID] = node

	for i := range next.ActiveNodes {
		if next.ActiveNodes[i].NodeID == detail.NodeID {
			next.ActiveNodes[i] = node.Clone()
		}
	}
	for i := range next.PendingNodes {
		if next.PendingNodes[i].NodeID == detail.NodeID {
			next.PendingNodes[i] = node.Clone()
		}
	}
}

func applyTrades(next *schema.Snapshot, update schema.TradeUpdate) {
	next.Trades = schema.CloneTrades(update.Trades)
	if next.Trades == nil {
		next.Trades = []schema.Trade{}
	}
	if update.Summary != nil {
		summary := *update.Summary
		next.Summary = &summary
	}
	if update.CatchupID > next.Sequence.LastTradeCatchupID {
		next.Sequence.LastTradeCatchupID = update.CatchupID
	}
}

func nonNilNodes(src []schema.NodeState) []schema.NodeState {
	out := schema.CloneNodeStates(src)
	if out == nil {
		return []schema.NodeState{}
	}
	return out
}

func withNodes(nodes map[string]schema.NodeState, list []schema.NodeState) map[string]schema.NodeState {
	if len(list) == 0 {
		return nodes
	}
	out := copyNodes(nodes)
	for _, n := range list {
		out[n.NodeID] = n.Clone()
	}
	return out
}

// copyNodes returns a writable copy; published snapshots are never mutated in place.
func copyNodes(src map[string]schema.NodeState) map[string]schema.NodeState {
	out := make(map[string]schema.NodeState, len(src)+1)
	for id, n := range src {
		out[id] = n
	}
	return out
}

func copyDiagnostics(src map[string]schema.NodeEvent, extra int) map[string]schema.NodeEvent {
	out := make(map[string]schema.NodeEvent, len(src)+extra)
	for id, evt := range src {
		out[id] = evt
	}
	return out
}
