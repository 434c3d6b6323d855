package schema

import "time"

// SessionStatus captures the lifecycle of a live or simulated trading session.
type SessionStatus string

const (
	// SessionStarting is reported between the start call and the first stream connection.
	SessionStarting SessionStatus = "starting"
	// SessionRunning is reported once the push channel has delivered a frame.
	SessionRunning SessionStatus = "running"
	// SessionStopped is reported after an explicit stop.
	SessionStopped SessionStatus = "stopped"
	// SessionCompleted is reported once the server marks the run finished.
	SessionCompleted SessionStatus = "completed"
)

// Terminal reports whether no further state changes are expected.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionCompleted
}

// Session describes one running strategy session handed out by the control plane.
type Session struct {
	ID                 string        `json:"session_id"`
	UserID             string        `json:"user_id"`
	StrategyID         string        `json:"strategy_id"`
	StrategyName       string        `json:"strategy_name"`
	BrokerConnectionID string        `json:"broker_connection_id"`
	StreamURL          string        `json:"stream_url"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
}
