// Package stream delivers raw named frames from a session's push channel.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
)

// ConnectionState tracks the lifecycle of one transport instance.
type ConnectionState string

const (
	// StateDisconnected is the initial state and the terminal state after Close.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means the request is in flight and no frame has arrived yet.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means at least one frame has arrived.
	StateConnected ConnectionState = "connected"
	// StateReconnecting means an established channel dropped.
	StateReconnecting ConnectionState = "reconnecting"
	// StateError means the initial request was refused.
	StateError ConnectionState = "error"
)

func (s ConnectionState) String() string { return string(s) }

// Kind selects a transport implementation.
type Kind string

const (
	// KindSSE reads a text/event-stream response.
	KindSSE Kind = "sse"
	// KindWebSocket reads JSON envelopes from a websocket.
	KindWebSocket Kind = "websocket"
)

const (
	// DefaultIdleTimeout is three missed 15s heartbeats.
	DefaultIdleTimeout = 45 * time.Second
	// DefaultMaxFrameBytes bounds a single frame on the wire.
	DefaultMaxFrameBytes = 16 << 20
)

// Target identifies the push channel to open.
type Target struct {
	SessionID string
	URL       string
}

// Validate ensures the target can be dialled.
func (t Target) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return errs.New("stream", errs.CodeInvalid, errs.WithMessage("stream url required"))
	}
	return nil
}

// Transport opens one push channel and forwards its frames in arrival order.
// Instances are single use: once Open has failed or Close has been called a
// new instance must be created.
type Transport interface {
	// Open starts reading. Frames arrive on the first channel; the second
	// channel carries at most one error describing why the stream ended.
	// Both channels are closed when reading stops.
	Open(ctx context.Context, target Target) (<-chan schema.Frame, <-chan error, error)
	Close() error
	State() ConnectionState
}

// Factory builds a fresh transport for every connection attempt.
type Factory func() Transport

// Options configure transports built by NewFactory.
type Options struct {
	HTTPClient    *http.Client
	Header        http.Header
	IdleTimeout   time.Duration
	MaxFrameBytes int
	Logger        observability.Logger
}

func (o Options) normalise() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
	return o
}

// ParseKind maps configuration text to a Kind.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case "", KindSSE:
		return KindSSE, nil
	case KindWebSocket, "ws":
		return KindWebSocket, nil
	default:
		return "", errs.New("stream", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported transport %q", value)))
	}
}

// NewFactory returns a Factory producing transports of the given kind.
func NewFactory(kind Kind, opts Options) (Factory, error) {
	opts = opts.normalise()
	switch kind {
	case KindSSE, "":
		return func() Transport { return NewSSETransport(opts) }, nil
	case KindWebSocket:
		return func() Transport { return NewWebSocketTransport(opts) }, nil
	default:
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported transport %q", kind)))
	}
}

func transportError(op string, cause error, opts ...errs.Option) *errs.E {
	base := []errs.Option{errs.WithOperation(op), errs.WithCause(cause)}
	return errs.New("stream", errs.CodeTransport, append(base, opts...)...)
}
