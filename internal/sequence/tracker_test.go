package sequence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/livesession/internal/schema"
)

func TestTrackerAcceptsContiguousIDs(t *testing.T) {
	tracker := NewTracker(0)
	for id := uint64(1); id <= 5; id++ {
		res := tracker.Validate(KindNode, id)
		require.True(t, res.Accept)
		require.False(t, res.GapDetected)
		require.Nil(t, res.Anomaly)
	}
	require.Equal(t, uint64(5), tracker.Last(KindNode))
	require.Zero(t, tracker.Last(KindTrade))
	require.Empty(t, tracker.Anomalies())
}

func TestTrackerRejectsDuplicatesAndRegressions(t *testing.T) {
	tracker := NewTracker(0)
	require.True(t, tracker.Validate(KindNode, 1).Accept)
	require.True(t, tracker.Validate(KindNode, 2).Accept)

	dup := tracker.Validate(KindNode, 2)
	require.False(t, dup.Accept)
	require.NotNil(t, dup.Anomaly)
	require.Equal(t, AnomalyDuplicate, dup.Anomaly.Type)

	regress := tracker.Validate(KindNode, 1)
	require.False(t, regress.Accept)
	require.Equal(t, uint64(2), tracker.Last(KindNode))
	require.Len(t, tracker.Anomalies(), 2)
}

func TestTrackerFlagsGapButAccepts(t *testing.T) {
	tracker := NewTracker(0)
	require.True(t, tracker.Validate(KindTrade, 1).Accept)

	res := tracker.Validate(KindTrade, 4)
	require.True(t, res.Accept)
	require.True(t, res.GapDetected)
	require.Equal(t, uint64(2), res.Anomaly.Missing())
	require.Equal(t, uint64(4), tracker.Last(KindTrade))

	var anomaly Anomaly
	require.True(t, errors.As(error(*res.Anomaly), &anomaly))
	require.Contains(t, anomaly.Error(), "gap on trade stream")
}

func TestTrackerKindsAreIndependent(t *testing.T) {
	tracker := NewTracker(0)
	require.True(t, tracker.Validate(KindNode, 1).Accept)
	require.True(t, tracker.Validate(KindTrade, 1).Accept)
	require.False(t, tracker.Validate(KindNode, 1).Accept)
	require.Equal(t, schema.SequenceState{LastNodeCatchupID: 1, LastTradeCatchupID: 1}, tracker.State())
}

func TestTrackerUnsequencedIDsPassThrough(t *testing.T) {
	tracker := NewTracker(0)
	require.True(t, tracker.Validate(KindTrade, 0).Accept)
	require.True(t, tracker.Validate(KindTrade, 0).Accept)
	require.Zero(t, tracker.Last(KindTrade))
	require.Empty(t, tracker.Anomalies())
}

func TestTrackerResetSeedsFromBaseline(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Validate(KindNode, 3)
	require.NotEmpty(t, tracker.Anomalies())

	tracker.Reset(schema.SequenceState{LastNodeCatchupID: 10, LastTradeCatchupID: 4})
	require.Empty(t, tracker.Anomalies())
	require.False(t, tracker.Validate(KindNode, 10).Accept)
	require.True(t, tracker.Validate(KindNode, 11).Accept)
	require.False(t, tracker.Validate(KindTrade, 4).Accept)

	tracker.Reset(schema.SequenceState{})
	require.True(t, tracker.Validate(KindNode, 1).Accept)
}

func TestTrackerAdvanceNeverLowers(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Reset(schema.SequenceState{LastNodeCatchupID: 8, LastTradeCatchupID: 2})
	tracker.Advance(schema.SequenceState{LastNodeCatchupID: 5, LastTradeCatchupID: 6})
	require.Equal(t, schema.SequenceState{LastNodeCatchupID: 8, LastTradeCatchupID: 6}, tracker.State())
}

func TestTrackerAnomalyHistoryIsBounded(t *testing.T) {
	tracker := NewTracker(3)
	tracker.Validate(KindNode, 5)
	for i := 0; i < 5; i++ {
		tracker.Validate(KindNode, 1)
	}
	anomalies := tracker.Anomalies()
	require.Len(t, anomalies, 3)
	for _, a := range anomalies {
		require.Equal(t, AnomalyDuplicate, a.Type)
	}
}

// Accepted ids per kind form a strictly increasing sequence for any input order.
func TestTrackerAcceptedIDsAreMonotonic(t *testing.T) {
	inputs := []uint64{1, 2, 2, 5, 3, 4, 6, 6, 9, 7, 10, 1}
	tracker := NewTracker(0)
	var accepted []uint64
	for _, id := range inputs {
		if tracker.Validate(KindNode, id).Accept {
			accepted = append(accepted, id)
		}
	}
	require.Equal(t, []uint64{1, 2, 5, 6, 9, 10}, accepted)
	for i := 1; i < len(accepted); i++ {
		require.Greater(t, accepted[i], accepted[i-1])
	}
}
