package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
)

// SSETransport reads a text/event-stream response.
type SSETransport struct {
	*channel
	client   *http.Client
	header   http.Header
	maxFrame int
	logger   observability.Logger
}

// NewSSETransport constructs an unopened SSE transport.
func NewSSETransport(opts Options) *SSETransport {
	opts = opts.normalise()
	return &SSETransport{
		channel:  newChannel(opts.IdleTimeout),
		client:   opts.HTTPClient,
		header:   opts.Header,
		maxFrame: opts.MaxFrameBytes,
		logger:   opts.Logger,
	}
}

// Open issues the stream request and starts the reader goroutine. A refused
// request is returned directly and leaves the transport in StateError.
func (t *SSETransport) Open(ctx context.Context, target Target) (<-chan schema.Frame, <-chan error, error) {
	if err := target.Validate(); err != nil {
		return nil, nil, err
	}
	readCtx, err := t.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	t.arm()

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, target.URL, nil)
	if err != nil {
		t.refuse()
		return nil, nil, transportError("open", err, errs.WithMessage("build stream request"))
	}
	for key, values := range t.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		t.refuse()
		if cause := context.Cause(readCtx); errors.Is(cause, errIdleTimeout) {
			err = cause
		}
		return nil, nil, transportError("open", err, errs.WithMessage("stream request failed"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		t.refuse()
		return nil, nil, transportError("open", fmt.Errorf("unexpected status %d", resp.StatusCode),
			errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(strings.TrimSpace(string(body))))
	}
	t.touch()
	t.logger.Debug("sse stream opened", observability.F("session_id", target.SessionID), observability.F("status", resp.StatusCode))

	go t.readLoop(readCtx, resp.Body)
	return t.frames, t.errs, nil
}

// Close terminates the stream. It is idempotent and waits for the reader to exit.
func (t *SSETransport) Close() error {
	if !t.shutdown() {
		return nil
	}
	t.wait()
	return nil
}

func (t *SSETransport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer body.Close()
	err := scanEvents(body, t.maxFrame, t.touch, func(frame schema.Frame) bool {
		return t.deliver(ctx, frame)
	})
	if ctx.Err() != nil {
		err = nil
	}
	t.finish(ctx, "read", err)
}

// scanEvents parses an event stream. Any line counts as activity; a blank
// line dispatches the pending event. emit returning false stops the scan.
func scanEvents(r io.Reader, maxFrame int, activity func(), emit func(schema.Frame) bool) error {
	scanner := bufio.NewScanner(r)
	// the scanner's limit is the larger of max and cap(buf)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxFrame)), maxFrame)

	var (
		name    string
		lastID  string
		data    strings.Builder
		hasData bool
	)
	reset := func() {
		name = ""
		data.Reset()
		hasData = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if activity != nil {
			activity()
		}
		if line == "" {
			if !hasData && name == "" {
				continue
			}
			frame := schema.Frame{
				Name:       schema.EventName(name),
				Data:       data.String(),
				ID:         lastID,
				ReceivedAt: time.Now().UTC(),
			}
			if frame.Name == "" {
				frame.Name = "message"
			}
			reset()
			if !emit(frame) {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				lastID = value
			}
		case "retry":
			// reconnect pacing is owned by the supervisor
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event stream: %w", err)
	}
	return nil
}
