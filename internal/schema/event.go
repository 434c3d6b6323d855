// Package schema defines the session, snapshot and stream event types shared across the client.
package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/livesession/errs"
)

// EventName identifies a push-channel frame type.
type EventName string

const (
	// EventInitialState carries the compressed node-event history and trade list.
	EventInitialState EventName = "initial_state"
	// EventTickUpdate carries a plain JSON partial snapshot.
	EventTickUpdate EventName = "tick_update"
	// EventNodeEvents carries a compressed batch of node events.
	EventNodeEvents EventName = "node_events"
	// EventTradeUpdate carries the compressed authoritative trade history.
	EventTradeUpdate EventName = "trade_update"
	// EventHeartbeat has no payload and only keeps the channel alive.
	EventHeartbeat EventName = "heartbeat"
)

// ParseEventName normalises and validates a frame name.
func ParseEventName(raw string) (EventName, error) {
	name := EventName(strings.ToLower(strings.TrimSpace(raw)))
	if err := name.Validate(); err != nil {
		return "", err
	}
	return name, nil
}

// Validate ensures the event name is one the client understands.
func (n EventName) Validate() error {
	switch n {
	case EventInitialState, EventTickUpdate, EventNodeEvents, EventTradeUpdate, EventHeartbeat:
		return nil
	case "":
		return errs.New("schema/event-name", errs.CodeInvalid, errs.WithMessage("event name required"))
	default:
		return errs.New("schema/event-name", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown event name %q", string(n))))
	}
}

// Compressed reports whether frames of this type carry base64 gzip payloads.
func (n EventName) Compressed() bool {
	switch n {
	case EventInitialState, EventNodeEvents, EventTradeUpdate:
		return true
	default:
		return false
	}
}

// Event is a decoded stream frame.
type Event interface {
	EventName() EventName
}

// TickUpdate is a partial snapshot. Nil fields were absent on the wire.
type TickUpdate struct {
	TickNumber    int64                       `json:"tick_number"`
	Timestamp     string                      `json:"timestamp,omitempty"`
	Status        *SessionStatus              `json:"status,omitempty"`
	CurrentTime   *string                     `json:"current_time,omitempty"`
	Progress      *float64                    `json:"progress,omitempty"`
	ActiveNodes   *[]NodeState                `json:"active_nodes,omitempty"`
	PendingNodes  *[]NodeState                `json:"pending_nodes,omitempty"`
	OpenPositions *[]Position                 `json:"open_positions,omitempty"`
	PnL           *PnLSummary                 `json:"pnl_summary,omitempty"`
	LTP           *map[string]decimal.Decimal `json:"ltp_store,omitempty"`
}

// EventName implements Event.
func (*TickUpdate) EventName() EventName { return EventTickUpdate }

// NodeEventDetail is the node-level payload of a node event.
type NodeEventDetail struct {
	NodeID              string         `json:"node_id"`
	NodeType            string         `json:"node_type,omitempty"`
	Status              NodeStatus     `json:"status,omitempty"`
	Action              string         `json:"action,omitempty"`
	ConditionsEvaluated *int           `json:"conditions_evaluated,omitempty"`
	OrderInfo           map[string]any `json:"order_info,omitempty"`
	TargetInfo          map[string]any `json:"target_info,omitempty"`
	SLInfo              map[string]any `json:"sl_info,omitempty"`
	Timestamp           string         `json:"timestamp,omitempty"`
}

// NodeEvent is one entry of the node execution history.
type NodeEvent struct {
	ExecutionID string          `json:"execution_id"`
	CatchupID   uint64          `json:"catchup_id"`
	Event       NodeEventDetail `json:"event"`
}

// NodeEventBatch is a decoded node_events frame.
type NodeEventBatch []NodeEvent

// EventName implements Event.
func (NodeEventBatch) EventName() EventName { return EventNodeEvents }

// TradeUpdate is a decoded trade_update frame: the full trade history plus summary.
type TradeUpdate struct {
	CatchupID uint64        `json:"catchup_id"`
	Trades    []Trade       `json:"trades"`
	Summary   *TradeSummary `json:"summary,omitempty"`
}

// EventName implements Event.
func (*TradeUpdate) EventName() EventName { return EventTradeUpdate }

// InitialState is the stream's own history frame sent right after connecting.
type InitialState struct {
	Diagnostics map[string]NodeEvent
	Trades      *TradeUpdate
}

// EventName implements Event.
func (*InitialState) EventName() EventName { return EventInitialState }

// MaxNodeCatchupID returns the highest catch-up id in the diagnostics history.
func (s *InitialState) MaxNodeCatchupID() uint64 {
	if s == nil {
		return 0
	}
	var highest uint64
	for _, evt := range s.Diagnostics {
		if evt.CatchupID > highest {
			highest = evt.CatchupID
		}
	}
	return highest
}

// Heartbeat is a payload-less keepalive.
type Heartbeat struct{}

// EventName implements Event.
func (Heartbeat) EventName() EventName { return EventHeartbeat }
