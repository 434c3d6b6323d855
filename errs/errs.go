// Package errs provides structured error types and helpers for live session clients.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeDecode indicates a malformed or corrupt stream payload.
	CodeDecode Code = "decode"
	// CodeSequence indicates a catch-up id gap or duplicate.
	CodeSequence Code = "sequence"
	// CodeTransport indicates the push channel dropped or was refused.
	CodeTransport Code = "transport"
	// CodeControl indicates a control-plane request returned a non-success response.
	CodeControl Code = "control"
	// CodeBaseline indicates the snapshot endpoint failed during (re)connect.
	CodeBaseline Code = "baseline"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeClosed indicates use of a component after it was closed.
	CodeClosed Code = "closed"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the client stack.
type E struct {
	Component string
	Code      Code
	Operation string
	Frame     string
	HTTP      int
	RawMsg    string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Operation: "",
		Frame:     "",
		HTTP:      0,
		RawMsg:    "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOperation records the operation that failed (start, stop, speed, snapshot, ...).
func WithOperation(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Operation = trimmed
	}
}

// WithFrame records the stream frame name the error belongs to.
func WithFrame(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(e *E) {
		e.Frame = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw response body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Operation != "" {
		parts = append(parts, "operation="+e.Operation)
	}
	if e.Frame != "" {
		parts = append(parts, "frame="+e.Frame)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "body="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether any error in err's chain is an envelope with the given code.
func IsCode(err error, code Code) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// Control builds the error returned for a non-success control-plane response.
func Control(operation string, status int, body string) *E {
	return New("control", CodeControl,
		WithOperation(operation),
		WithHTTP(status),
		WithRawMessage(strings.TrimSpace(body)),
		WithMessage("control endpoint returned non-success status"))
}

// Decode builds the error returned when a stream frame cannot be decoded.
func Decode(frame, stage string, cause error) *E {
	return New("codec", CodeDecode,
		WithFrame(frame),
		WithField("stage", stage),
		WithCause(cause))
}
