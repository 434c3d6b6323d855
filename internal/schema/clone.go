package schema

import "github.com/shopspring/decimal"

// Clone returns a deep copy of the snapshot. Nil collections stay nil so a
// clone compares equal to its source.
func (s Snapshot) Clone() Snapshot {
	clone := s
	clone.ActiveNodes = CloneNodeStates(s.ActiveNodes)
	clone.PendingNodes = CloneNodeStates(s.PendingNodes)
	clone.OpenPositions = ClonePositions(s.OpenPositions)
	clone.Trades = CloneTrades(s.Trades)
	clone.LTP = CloneLTP(s.LTP)
	if s.Nodes != nil {
		clone.Nodes = make(map[string]NodeState, len(s.Nodes))
		for id, node := range s.Nodes {
			clone.Nodes[id] = node.Clone()
		}
	}
	if s.Diagnostics != nil {
		clone.Diagnostics = make(map[string]NodeEvent, len(s.Diagnostics))
		for id, evt := range s.Diagnostics {
			clone.Diagnostics[id] = evt.Clone()
		}
	}
	if s.Summary != nil {
		summary := *s.Summary
		clone.Summary = &summary
	}
	return clone
}

// Clone returns a deep copy of the node state.
func (n NodeState) Clone() NodeState {
	clone := n
	clone.OrderInfo = cloneMapStringAny(n.OrderInfo)
	clone.TargetInfo = cloneMapStringAny(n.TargetInfo)
	clone.SLInfo = cloneMapStringAny(n.SLInfo)
	return clone
}

// Clone returns a deep copy of the node event.
func (e NodeEvent) Clone() NodeEvent {
	clone := e
	if e.Event.ConditionsEvaluated != nil {
		n := *e.Event.ConditionsEvaluated
		clone.Event.ConditionsEvaluated = &n
	}
	clone.Event.OrderInfo = cloneMapStringAny(e.Event.OrderInfo)
	clone.Event.TargetInfo = cloneMapStringAny(e.Event.TargetInfo)
	clone.Event.SLInfo = cloneMapStringAny(e.Event.SLInfo)
	return clone
}

// CloneNodeStates deep copies a node state list.
func CloneNodeStates(src []NodeState) []NodeState {
	if src == nil {
		return nil
	}
	out := make([]NodeState, len(src))
	for i := range src {
		out[i] = src[i].Clone()
	}
	return out
}

// ClonePositions copies a position list.
func ClonePositions(src []Position) []Position {
	if src == nil {
		return nil
	}
	out := make([]Position, len(src))
	copy(out, src)
	return out
}

// CloneTrades copies a trade list.
func CloneTrades(src []Trade) []Trade {
	if src == nil {
		return nil
	}
	out := make([]Trade, len(src))
	copy(out, src)
	return out
}

// CloneLTP copies a last-traded-price map.
func CloneLTP(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	if src == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneMapStringAny(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneInterface(v)
	}
	return out
}

func cloneInterface(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return append([]byte(nil), v...)
	case map[string]any:
		return cloneMapStringAny(v)
	case []any:
		return cloneSliceAny(v)
	default:
		return v
	}
}

func cloneSliceAny(src []any) []any {
	if src == nil {
		return nil
	}
	out := make([]any, len(src))
	for i := range src {
		out[i] = cloneInterface(src[i])
	}
	return out
}
