package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
)

// Envelope is the websocket framing of one push-channel message. Data holds
// either a JSON string (compressed or plain payload text) or a raw JSON value.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// NewEnvelope wraps a frame for websocket delivery.
func NewEnvelope(frame schema.Frame) ([]byte, error) {
	data, err := json.Marshal(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal frame data: %w", err)
	}
	return json.Marshal(Envelope{Event: string(frame.Name), Data: data, ID: frame.ID})
}

func (e Envelope) frame(receivedAt time.Time) (schema.Frame, error) {
	frame := schema.Frame{Name: schema.EventName(e.Event), ID: e.ID, ReceivedAt: receivedAt}
	raw := bytes.TrimSpace(e.Data)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return schema.Frame{}, fmt.Errorf("envelope data: %w", err)
		}
		frame.Data = text
	default:
		frame.Data = string(raw)
	}
	return frame, nil
}

// WebSocketTransport reads JSON envelopes from a websocket connection.
type WebSocketTransport struct {
	*channel
	opts Options
}

// NewWebSocketTransport constructs an unopened websocket transport.
func NewWebSocketTransport(opts Options) *WebSocketTransport {
	opts = opts.normalise()
	return &WebSocketTransport{
		channel: newChannel(opts.IdleTimeout),
		opts:    opts,
	}
}

// Open dials the websocket and starts the reader goroutine.
func (t *WebSocketTransport) Open(ctx context.Context, target Target) (<-chan schema.Frame, <-chan error, error) {
	if err := target.Validate(); err != nil {
		return nil, nil, err
	}
	readCtx, err := t.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	t.arm()

	conn, resp, err := websocket.Dial(readCtx, target.URL, &websocket.DialOptions{
		HTTPClient: t.opts.HTTPClient,
		HTTPHeader: t.opts.Header,
	})
	if err != nil {
		t.refuse()
		if cause := context.Cause(readCtx); errors.Is(cause, errIdleTimeout) {
			err = cause
		}
		opts := []errs.Option{errs.WithMessage("websocket dial failed")}
		if resp != nil {
			opts = append(opts, errs.WithHTTP(resp.StatusCode))
		}
		return nil, nil, transportError("open", err, opts...)
	}
	conn.SetReadLimit(int64(t.opts.MaxFrameBytes))
	t.touch()
	t.opts.Logger.Debug("websocket stream opened", observability.F("session_id", target.SessionID))

	go t.readLoop(readCtx, conn)
	return t.frames, t.errs, nil
}

// Close terminates the connection. It is idempotent and waits for the reader to exit.
func (t *WebSocketTransport) Close() error {
	if !t.shutdown() {
		return nil
	}
	t.wait()
	return nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	var readErr error
	defer func() {
		if ctx.Err() != nil {
			readErr = nil
			_ = conn.CloseNow()
		} else {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		t.finish(ctx, "read", readErr)
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			readErr = fmt.Errorf("read: %w", err)
			return
		}
		t.touch()
		if msgType != websocket.MessageText {
			continue
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.opts.Logger.Warn("websocket envelope malformed", observability.F("err", err))
			continue
		}
		frame, err := envelope.frame(time.Now().UTC())
		if err != nil {
			t.opts.Logger.Warn("websocket envelope malformed", observability.F("event", envelope.Event), observability.F("err", err))
			continue
		}
		if !t.deliver(ctx, frame) {
			return
		}
	}
}
