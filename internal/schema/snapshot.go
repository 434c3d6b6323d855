package schema

import (
	"github.com/shopspring/decimal"
)

// NodeStatus captures the execution state of a strategy node.
type NodeStatus string

const (
	// NodeActive marks a node currently evaluating or holding an order.
	NodeActive NodeStatus = "active"
	// NodePending marks a node waiting on its parent.
	NodePending NodeStatus = "pending"
	// NodeCompleted marks a node that finished executing.
	NodeCompleted NodeStatus = "completed"
)

// NodeState is the latest known execution state of one strategy node.
type NodeState struct {
	NodeID              string         `json:"node_id"`
	NodeType            string         `json:"node_type"`
	Status              NodeStatus     `json:"status"`
	LastAction          string         `json:"last_action,omitempty"`
	ConditionsEvaluated int            `json:"conditions_evaluated"`
	OrderInfo           map[string]any `json:"order_info,omitempty"`
	TargetInfo          map[string]any `json:"target_info,omitempty"`
	SLInfo              map[string]any `json:"sl_info,omitempty"`
}

// Position is an open position held by the session.
type Position struct {
	PositionID    string          `json:"position_id"`
	NodeID        string          `json:"node_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	EntryTime     string          `json:"entry_time,omitempty"`
}

// PnLSummary aggregates realized and unrealized profit for the session.
type PnLSummary struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Total      decimal.Decimal `json:"total"`
}

// Trade is a closed (or settling) round trip.
type Trade struct {
	PositionID string          `json:"position_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	EntryTime  string          `json:"entry_time,omitempty"`
	ExitTime   string          `json:"exit_time,omitempty"`
	ExitReason string          `json:"exit_reason,omitempty"`
}

// TradeSummary is the server's rolling summary shipped with trade updates.
// It is informational; Snapshot derives its own aggregates from Trades.
type TradeSummary struct {
	TotalTrades int             `json:"total_trades"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	WinRate     decimal.Decimal `json:"win_rate"`
}

// SequenceState holds the last accepted catch-up id per event kind.
type SequenceState struct {
	LastNodeCatchupID  uint64 `json:"last_node_catchup_id"`
	LastTradeCatchupID uint64 `json:"last_trade_catchup_id"`
}

// Snapshot is the reconstructed state of a running session.
type Snapshot struct {
	SessionID     string                     `json:"session_id"`
	Status        SessionStatus              `json:"status,omitempty"`
	TickNumber    int64                      `json:"tick_number"`
	Timestamp     string                     `json:"timestamp,omitempty"`
	CurrentTime   string                     `json:"current_time"`
	Progress      float64                    `json:"progress"`
	ActiveNodes   []NodeState                `json:"active_nodes"`
	PendingNodes  []NodeState                `json:"pending_nodes"`
	Nodes         map[string]NodeState       `json:"nodes,omitempty"`
	OpenPositions []Position                 `json:"open_positions"`
	PnL           PnLSummary                 `json:"pnl_summary"`
	LTP           map[string]decimal.Decimal `json:"ltp_store"`
	Trades        []Trade                    `json:"trades"`
	Summary       *TradeSummary              `json:"summary,omitempty"`
	Diagnostics   map[string]NodeEvent       `json:"diagnostics"`
	Sequence      SequenceState              `json:"sequence"`
}

// TotalPnL sums realized profit over the trade history.
func (s Snapshot) TotalPnL() decimal.Decimal {
	total := decimal.Zero
	for _, t := range s.Trades {
		total = total.Add(t.PnL)
	}
	return total
}

// Wins counts trades closed with positive profit.
func (s Snapshot) Wins() int {
	wins := 0
	for _, t := range s.Trades {
		if t.PnL.IsPositive() {
			wins++
		}
	}
	return wins
}

// WinRate returns the percentage (0-100) of winning trades, or 0 with no trades.
func (s Snapshot) WinRate() float64 {
	if len(s.Trades) == 0 {
		return 0
	}
	return float64(s.Wins()) / float64(len(s.Trades)) * 100
}

// Trade looks up a trade by position id.
func (s Snapshot) Trade(positionID string) (Trade, bool) {
	for _, t := range s.Trades {
		if t.PositionID == positionID {
			return t, true
		}
	}
	return Trade{}, false
}
