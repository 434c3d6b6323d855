// Package sequence validates catch-up ids on node and trade events.
package sequence

import (
	"fmt"
	"sync"

	"github.com/coachpo/livesession/internal/schema"
)

// Kind selects which counter an id belongs to.
type Kind string

const (
	// KindNode tracks node_events catch-up ids.
	KindNode Kind = "node"
	// KindTrade tracks trade_update catch-up ids.
	KindTrade Kind = "trade"
)

// AnomalyType classifies a sequence anomaly.
type AnomalyType string

const (
	// AnomalyGap means one or more ids were skipped; the event is still applied.
	AnomalyGap AnomalyType = "gap"
	// AnomalyDuplicate means the id was already seen; the event is dropped.
	AnomalyDuplicate AnomalyType = "duplicate"
)

const defaultHistory = 64

// Anomaly is a non-fatal ordering warning.
type Anomaly struct {
	Kind     Kind
	Type     AnomalyType
	Last     uint64
	Received uint64
}

func (a Anomaly) Error() string {
	return fmt.Sprintf("sequence %s on %s stream: last=%d received=%d", a.Type, a.Kind, a.Last, a.Received)
}

// Missing returns how many ids were skipped by a gap.
func (a Anomaly) Missing() uint64 {
	if a.Type != AnomalyGap || a.Received <= a.Last+1 {
		return 0
	}
	return a.Received - a.Last - 1
}

// Result is the verdict for one catch-up id.
type Result struct {
	Accept      bool
	GapDetected bool
	Anomaly     *Anomaly
}

// Tracker holds the last accepted id per kind.
type Tracker struct {
	mu        sync.Mutex
	last      map[Kind]uint64
	anomalies []Anomaly
	history   int
}

// NewTracker returns a tracker retaining up to history anomalies (0 uses a default).
func NewTracker(history int) *Tracker {
	if history <= 0 {
		history = defaultHistory
	}
	return &Tracker{
		last:    make(map[Kind]uint64, 2),
		history: history,
	}
}

// Validate checks an incoming id. Ids at or below the last accepted id are
// duplicates and rejected; ids beyond last+1 are accepted and flagged as gaps.
// Id 0 marks an unsequenced event and is accepted without moving the counter.
func (t *Tracker) Validate(kind Kind, catchupID uint64) Result {
	if catchupID == 0 {
		return Result{Accept: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.last[kind]
	switch {
	case catchupID <= last:
		anomaly := t.record(Anomaly{Kind: kind, Type: AnomalyDuplicate, Last: last, Received: catchupID})
		return Result{Accept: false, Anomaly: anomaly}
	case catchupID == last+1:
		t.last[kind] = catchupID
		return Result{Accept: true}
	default:
		t.last[kind] = catchupID
		anomaly := t.record(Anomaly{Kind: kind, Type: AnomalyGap, Last: last, Received: catchupID})
		return Result{Accept: true, GapDetected: true, Anomaly: anomaly}
	}
}

// Last returns the last accepted id for kind.
func (t *Tracker) Last(kind Kind) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[kind]
}

// State exports the counters.
func (t *Tracker) State() schema.SequenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return schema.SequenceState{
		LastNodeCatchupID:  t.last[KindNode],
		LastTradeCatchupID: t.last[KindTrade],
	}
}

// Reset seeds both counters from a freshly fetched baseline and clears anomalies.
func (t *Tracker) Reset(state schema.SequenceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[KindNode] = state.LastNodeCatchupID
	t.last[KindTrade] = state.LastTradeCatchupID
	t.anomalies = nil
}

// Advance raises counters to at least the given state; it never lowers them.
func (t *Tracker) Advance(state schema.SequenceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state.LastNodeCatchupID > t.last[KindNode] {
		t.last[KindNode] = state.LastNodeCatchupID
	}
	if state.LastTradeCatchupID > t.last[KindTrade] {
		t.last[KindTrade] = state.LastTradeCatchupID
	}
}

// Anomalies returns recorded anomalies, oldest first.
func (t *Tracker) Anomalies() []Anomaly {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Anomaly, len(t.anomalies))
	copy(out, t.anomalies)
	return out
}

func (t *Tracker) record(a Anomaly) *Anomaly {
	if len(t.anomalies) >= t.history {
		copy(t.anomalies, t.anomalies[1:])
		t.anomalies = t.anomalies[:len(t.anomalies)-1]
	}
	t.anomalies = append(t.anomalies, a)
	return &a
}
