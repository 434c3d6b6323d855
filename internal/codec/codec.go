// Package codec decodes push-channel frames into typed session events.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/schema"
)

// Decode stages reported on DecodeError.
const (
	StageName     = "name"
	StageBase64   = "base64"
	StageInflate  = "inflate"
	StageJSON     = "json"
	StageEnvelope = "envelope"
)

// Codec converts frames to events and back. Decode is pure: it only reads the frame.
type Codec struct {
	decompressor Decompressor
	compressor   Compressor
}

// Option configures a Codec.
type Option func(*Codec)

// WithDecompressor overrides the gzip decompressor.
func WithDecompressor(d Decompressor) Option {
	return func(c *Codec) {
		if d != nil {
			c.decompressor = d
		}
	}
}

// WithCompressor overrides the gzip compressor used by the encode helpers.
func WithCompressor(cmp Compressor) Option {
	return func(c *Codec) {
		if cmp != nil {
			c.compressor = cmp
		}
	}
}

// New constructs a codec backed by gzip unless overridden.
func New(opts ...Option) *Codec {
	c := &Codec{decompressor: Gzip{}, compressor: Gzip{}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type initialStateEnvelope struct {
	Diagnostics string `json:"diagnostics"`
	Trades      string `json:"trades"`
}

type nodeEventsEnvelope struct {
	Events []schema.NodeEvent `json:"events"`
}

// Decode converts a frame into its typed event. Failures are DecodeErrors carrying the frame name.
func (c *Codec) Decode(frame schema.Frame) (schema.Event, error) {
	name := frame.Name
	if err := name.Validate(); err != nil {
		return nil, errs.Decode(string(name), StageName, err)
	}

	switch name {
	case schema.EventHeartbeat:
		return schema.Heartbeat{}, nil
	case schema.EventTickUpdate:
		return c.decodeTick(frame.Data)
	case schema.EventNodeEvents:
		return c.decodeNodeEvents(frame.Data)
	case schema.EventTradeUpdate:
		raw, err := c.inflate(name, frame.Data)
		if err != nil {
			return nil, err
		}
		update := new(schema.TradeUpdate)
		if err := json.Unmarshal(raw, update); err != nil {
			return nil, errs.Decode(string(name), StageJSON, err)
		}
		return update, nil
	case schema.EventInitialState:
		return c.decodeInitialState(frame.Data)
	default:
		return nil, errs.Decode(string(name), StageName, fmt.Errorf("unhandled event %q", name))
	}
}

func (c *Codec) decodeTick(data string) (schema.Event, error) {
	trimmed := bytes.TrimSpace([]byte(data))
	if len(trimmed) == 0 {
		return nil, errs.Decode(string(schema.EventTickUpdate), StageJSON, errors.New("empty payload"))
	}
	tick := new(schema.TickUpdate)
	if err := json.Unmarshal(trimmed, tick); err != nil {
		return nil, errs.Decode(string(schema.EventTickUpdate), StageJSON, err)
	}
	return tick, nil
}

func (c *Codec) decodeNodeEvents(data string) (schema.Event, error) {
	name := string(schema.EventNodeEvents)
	raw, err := c.inflate(schema.EventNodeEvents, data)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var envelope nodeEventsEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, errs.Decode(name, StageJSON, err)
		}
		return schema.NodeEventBatch(envelope.Events), nil
	}
	var batch schema.NodeEventBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, errs.Decode(name, StageJSON, err)
	}
	return batch, nil
}

func (c *Codec) decodeInitialState(data string) (schema.Event, error) {
	name := schema.EventInitialState
	var envelope initialStateEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, errs.Decode(string(name), StageEnvelope, err)
	}

	state := new(schema.InitialState)
	if envelope.Diagnostics != "" {
		raw, err := c.inflate(name, envelope.Diagnostics)
		if err != nil {
			return nil, err
		}
		diagnostics, err := decodeDiagnostics(raw)
		if err != nil {
			return nil, errs.Decode(string(name), StageJSON, fmt.Errorf("diagnostics: %w", err))
		}
		state.Diagnostics = diagnostics
	}
	if envelope.Trades != "" {
		raw, err := c.inflate(name, envelope.Trades)
		if err != nil {
			return nil, err
		}
		trades := new(schema.TradeUpdate)
		if err := json.Unmarshal(raw, trades); err != nil {
			return nil, errs.Decode(string(name), StageJSON, fmt.Errorf("trades: %w", err))
		}
		state.Trades = trades
	}
	return state, nil
}

// decodeDiagnostics accepts either a map keyed by execution id or a plain event list.
func decodeDiagnostics(raw []byte) (map[string]schema.NodeEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []schema.NodeEvent
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		out := make(map[string]schema.NodeEvent, len(list))
		for _, evt := range list {
			if evt.ExecutionID == "" {
				continue
			}
			out[evt.ExecutionID] = evt
		}
		return out, nil
	}
	var keyed map[string]schema.NodeEvent
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, err
	}
	for id, evt := range keyed {
		if evt.ExecutionID == "" {
			evt.ExecutionID = id
			keyed[id] = evt
		}
	}
	return keyed, nil
}

func (c *Codec) inflate(name schema.EventName, text string) ([]byte, error) {
	compressed, err := decodeBase64(text)
	if err != nil {
		return nil, errs.Decode(string(name), StageBase64, err)
	}
	if len(compressed) == 0 {
		return nil, errs.Decode(string(name), StageBase64, errors.New("empty payload"))
	}
	raw, err := c.decompressor.Decompress(compressed)
	if err != nil {
		return nil, errs.Decode(string(name), StageInflate, err)
	}
	return raw, nil
}

// EncodeCompressed marshals v to JSON, gzips it and returns standard base64 text.
func (c *Codec) EncodeCompressed(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	compressed, err := c.compressor.Compress(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(compressed), nil
}

// EncodeFrame builds a wire frame for the named event. It mirrors what the
// session server emits and is the inverse of Decode.
func (c *Codec) EncodeFrame(name schema.EventName, v any) (schema.Frame, error) {
	frame := schema.Frame{Name: name}
	switch name {
	case schema.EventHeartbeat:
		return frame, nil
	case schema.EventTickUpdate:
		raw, err := json.Marshal(v)
		if err != nil {
			return schema.Frame{}, fmt.Errorf("marshal tick: %w", err)
		}
		frame.Data = string(raw)
		return frame, nil
	case schema.EventNodeEvents, schema.EventTradeUpdate:
		data, err := c.EncodeCompressed(v)
		if err != nil {
			return schema.Frame{}, err
		}
		frame.Data = data
		return frame, nil
	case schema.EventInitialState:
		state, ok := v.(*schema.InitialState)
		if !ok {
			return schema.Frame{}, fmt.Errorf("initial_state expects *schema.InitialState, got %T", v)
		}
		var envelope initialStateEnvelope
		if state.Diagnostics != nil {
			data, err := c.EncodeCompressed(state.Diagnostics)
			if err != nil {
				return schema.Frame{}, err
			}
			envelope.Diagnostics = data
		}
		if state.Trades != nil {
			data, err := c.EncodeCompressed(state.Trades)
			if err != nil {
				return schema.Frame{}, err
			}
			envelope.Trades = data
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			return schema.Frame{}, fmt.Errorf("marshal initial state: %w", err)
		}
		frame.Data = string(raw)
		return frame, nil
	default:
		return schema.Frame{}, errs.New("codec", errs.CodeInvalid, errs.WithFrame(string(name)), errs.WithMessage("unknown event name"))
	}
}
