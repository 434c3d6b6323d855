package codec

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/schema"
)

func TestDecodeTickUpdateKeepsOnlyPresentFields(t *testing.T) {
	c := New()
	evt, err := c.Decode(schema.Frame{
		Name: schema.EventTickUpdate,
		Data: `{"tick_number":12,"timestamp":"2024-05-02T09:21:00","progress":42,"ltp_store":{"NIFTY":22011.5}}`,
	})
	require.NoError(t, err)

	tick, ok := evt.(*schema.TickUpdate)
	require.True(t, ok)
	require.Equal(t, int64(12), tick.TickNumber)
	require.NotNil(t, tick.Progress)
	require.InDelta(t, 42.0, *tick.Progress, 1e-9)
	require.Nil(t, tick.CurrentTime)
	require.Nil(t, tick.ActiveNodes)
	require.Nil(t, tick.PnL)
	require.NotNil(t, tick.LTP)
	require.True(t, (*tick.LTP)["NIFTY"].Equal(decimal.RequireFromString("22011.5")))
}

func TestDecodeTickUpdateEmptyListIsPresent(t *testing.T) {
	evt, err := New().Decode(schema.Frame{Name: schema.EventTickUpdate, Data: `{"open_positions":[]}`})
	require.NoError(t, err)
	tick := evt.(*schema.TickUpdate)
	require.NotNil(t, tick.OpenPositions)
	require.Empty(t, *tick.OpenPositions)
}

func TestRoundTripReproducesJSONObject(t *testing.T) {
	original := map[string]any{
		"session_id":   "s-42",
		"current_time": "09:20",
		"progress":     10.5,
		"trades":       []any{map[string]any{"position_id": "P1", "pnl": 150.0}},
		"ltp_store":    map[string]any{"BANKNIFTY": 48000.25},
		"nested":       map[string]any{"flag": true, "none": nil},
	}
	c := New()
	text, err := c.EncodeCompressed(original)
	require.NoError(t, err)

	compressed, err := base64.StdEncoding.DecodeString(text)
	require.NoError(t, err)
	raw, err := Gzip{}.Decompress(compressed)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, original, decoded)
}

func TestTradeUpdateRoundTrip(t *testing.T) {
	c := New()
	update := &schema.TradeUpdate{
		CatchupID: 3,
		Trades: []schema.Trade{
			{PositionID: "P1", Symbol: "NIFTY", Side: "BUY", PnL: decimal.NewFromInt(140), ExitReason: "target"},
			{PositionID: "P2", Symbol: "NIFTY", Side: "SELL", PnL: decimal.NewFromInt(-30), ExitReason: "sl"},
		},
		Summary: &schema.TradeSummary{TotalTrades: 2, TotalPnL: decimal.NewFromInt(110), WinRate: decimal.NewFromInt(50)},
	}
	frame, err := c.EncodeFrame(schema.EventTradeUpdate, update)
	require.NoError(t, err)
	require.False(t, strings.HasPrefix(frame.Data, "{"), "payload must be compressed")

	evt, err := c.Decode(frame)
	require.NoError(t, err)
	got, ok := evt.(*schema.TradeUpdate)
	require.True(t, ok)
	require.Equal(t, uint64(3), got.CatchupID)
	require.Len(t, got.Trades, 2)
	require.Equal(t, "P1", got.Trades[0].PositionID)
	require.True(t, got.Trades[0].PnL.Equal(decimal.NewFromInt(140)))
	require.True(t, got.Trades[1].PnL.Equal(decimal.NewFromInt(-30)))
	require.Equal(t, 2, got.Summary.TotalTrades)
}

func TestDecodeNodeEventsAcceptsArrayAndEnvelope(t *testing.T) {
	c := New()
	batch := schema.NodeEventBatch{
		{ExecutionID: "e1", CatchupID: 1, Event: schema.NodeEventDetail{NodeID: "entry-1", Status: schema.NodeActive, Action: "order_placed"}},
		{ExecutionID: "e2", CatchupID: 2, Event: schema.NodeEventDetail{NodeID: "exit-1", Status: schema.NodePending}},
	}
	frame, err := c.EncodeFrame(schema.EventNodeEvents, batch)
	require.NoError(t, err)
	evt, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, batch, evt)

	data, err := c.EncodeCompressed(map[string]any{"events": batch})
	require.NoError(t, err)
	evt, err = c.Decode(schema.Frame{Name: schema.EventNodeEvents, Data: data})
	require.NoError(t, err)
	require.Equal(t, batch, evt)
}

func TestDecodeInitialState(t *testing.T) {
	c := New()
	state := &schema.InitialState{
		Diagnostics: map[string]schema.NodeEvent{
			"e1": {ExecutionID: "e1", CatchupID: 5, Event: schema.NodeEventDetail{NodeID: "n1"}},
		},
		Trades: &schema.TradeUpdate{CatchupID: 2, Trades: []schema.Trade{{PositionID: "P1", PnL: decimal.NewFromInt(10)}}},
	}
	frame, err := c.EncodeFrame(schema.EventInitialState, state)
	require.NoError(t, err)

	evt, err := c.Decode(frame)
	require.NoError(t, err)
	got := evt.(*schema.InitialState)
	require.Equal(t, state.Diagnostics, got.Diagnostics)
	require.Equal(t, uint64(2), got.Trades.CatchupID)
	require.Len(t, got.Trades.Trades, 1)
}

func TestDecodeInitialStateDiagnosticsListAndMissingIDs(t *testing.T) {
	c := New()
	list, err := c.EncodeCompressed([]schema.NodeEvent{{ExecutionID: "x1", CatchupID: 1}, {CatchupID: 2}})
	require.NoError(t, err)
	evt, err := c.Decode(schema.Frame{Name: schema.EventInitialState, Data: `{"diagnostics":"` + list + `"}`})
	require.NoError(t, err)
	got := evt.(*schema.InitialState)
	require.Len(t, got.Diagnostics, 1)
	require.Nil(t, got.Trades)

	keyed, err := c.EncodeCompressed(map[string]any{"k9": map[string]any{"catchup_id": 9}})
	require.NoError(t, err)
	evt, err = c.Decode(schema.Frame{Name: schema.EventInitialState, Data: `{"diagnostics":"` + keyed + `"}`})
	require.NoError(t, err)
	require.Equal(t, "k9", evt.(*schema.InitialState).Diagnostics["k9"].ExecutionID)
}

func TestDecodeHeartbeatIgnoresPayload(t *testing.T) {
	evt, err := New().Decode(schema.Frame{Name: schema.EventHeartbeat, Data: "ignored"})
	require.NoError(t, err)
	require.Equal(t, schema.Heartbeat{}, evt)
}

func TestDecodeErrorsCarryFrameAndStage(t *testing.T) {
	c := New()
	notGzip := base64.StdEncoding.EncodeToString([]byte(`{"trades":[]}`))
	badJSON, err := Gzip{}.Compress([]byte(`{"trades":[`))
	require.NoError(t, err)

	cases := []struct {
		name  string
		frame schema.Frame
		stage string
	}{
		{"unknown name", schema.Frame{Name: "message", Data: "{}"}, StageName},
		{"bad base64", schema.Frame{Name: schema.EventNodeEvents, Data: "%%%not-base64%%%"}, StageBase64},
		{"empty compressed", schema.Frame{Name: schema.EventTradeUpdate, Data: ""}, StageBase64},
		{"not gzip", schema.Frame{Name: schema.EventTradeUpdate, Data: notGzip}, StageInflate},
		{"bad json", schema.Frame{Name: schema.EventTradeUpdate, Data: base64.StdEncoding.EncodeToString(badJSON)}, StageJSON},
		{"bad tick", schema.Frame{Name: schema.EventTickUpdate, Data: "{nope"}, StageJSON},
		{"empty tick", schema.Frame{Name: schema.EventTickUpdate, Data: "  "}, StageJSON},
		{"bad envelope", schema.Frame{Name: schema.EventInitialState, Data: "not json"}, StageEnvelope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.frame
			_, err := c.Decode(tc.frame)
			require.Error(t, err)
			require.True(t, errs.IsCode(err, errs.CodeDecode), "expected decode error, got %v", err)
			var e *errs.E
			require.True(t, errors.As(err, &e))
			require.Equal(t, string(tc.frame.Name), e.Frame)
			require.Equal(t, tc.stage, e.Metadata["stage"])
			require.Equal(t, before, tc.frame)
		})
	}
}

func TestDecodeBase64Variants(t *testing.T) {
	c := New()
	data, err := c.EncodeCompressed(schema.NodeEventBatch{{ExecutionID: "e1", CatchupID: 1}})
	require.NoError(t, err)

	unpadded := strings.TrimRight(data, "=")
	wrapped := data[:len(data)/2] + "\n" + data[len(data)/2:]
	for _, variant := range []string{unpadded, wrapped, " " + data + "\n"} {
		evt, err := c.Decode(schema.Frame{Name: schema.EventNodeEvents, Data: variant})
		require.NoError(t, err)
		require.Len(t, evt.(schema.NodeEventBatch), 1)
	}
}

func TestGzipRejectsOversizedPayload(t *testing.T) {
	compressed, err := Gzip{}.Compress([]byte(strings.Repeat("a", 2048)))
	require.NoError(t, err)
	_, err = Gzip{MaxBytes: 1024}.Decompress(compressed)
	require.Error(t, err)

	out, err := Gzip{MaxBytes: 4096}.Decompress(compressed)
	require.NoError(t, err)
	require.Len(t, out, 2048)
}

type failingDecompressor struct{}

func (failingDecompressor) Decompress([]byte) ([]byte, error) {
	return nil, errors.New("no codec")
}

func TestWithDecompressorOverride(t *testing.T) {
	c := New(WithDecompressor(failingDecompressor{}))
	data, err := New().EncodeCompressed(schema.TradeUpdate{})
	require.NoError(t, err)
	_, err = c.Decode(schema.Frame{Name: schema.EventTradeUpdate, Data: data})
	require.True(t, errs.IsCode(err, errs.CodeDecode))
}

func TestEncodeFrameRejectsUnknownName(t *testing.T) {
	_, err := New().EncodeFrame("bogus", nil)
	require.Error(t, err)
	_, err = New().EncodeFrame(schema.EventInitialState, "wrong type")
	require.Error(t, err)
}
