package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/schema"
)

var (
	errClosed      = errors.New("transport closed")
	errIdleTimeout = errors.New("idle timeout")
)

// channel holds the state machine and delivery plumbing shared by every
// transport implementation.
type channel struct {
	mu      sync.Mutex
	state   ConnectionState
	opened  bool
	closed  bool
	cancel  context.CancelCauseFunc
	idle    *time.Timer
	timeout time.Duration

	frames chan schema.Frame
	errs   chan error
	done   chan struct{}
}

func newChannel(idleTimeout time.Duration) *channel {
	return &channel{
		state:   StateDisconnected,
		timeout: idleTimeout,
		done:    make(chan struct{}),
	}
}

func (c *channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) setState(state ConnectionState) {
	c.mu.Lock()
	if !c.closed {
		c.state = state
	}
	c.mu.Unlock()
}

// begin moves the channel to connecting and derives the reader context.
func (c *channel) begin(parent context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.New("stream", errs.CodeClosed, errs.WithMessage("transport closed"))
	}
	if c.opened {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("transport already opened"))
	}
	c.opened = true
	c.state = StateConnecting
	ctx, cancel := context.WithCancelCause(parent)
	c.cancel = cancel
	c.frames = make(chan schema.Frame)
	c.errs = make(chan error, 1)
	return ctx, nil
}

// refuse records a failed initial request.
func (c *channel) refuse() {
	c.mu.Lock()
	if c.idle != nil {
		c.idle.Stop()
	}
	if c.cancel != nil {
		c.cancel(errClosed)
	}
	if !c.closed {
		c.state = StateError
	}
	c.mu.Unlock()
	close(c.done)
}

// arm starts the idle watchdog.
func (c *channel) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel := c.cancel
	c.idle = time.AfterFunc(c.timeout, func() { cancel(errIdleTimeout) })
}

// touch resets the idle watchdog on any inbound activity.
func (c *channel) touch() {
	c.mu.Lock()
	if c.idle != nil {
		c.idle.Reset(c.timeout)
	}
	c.mu.Unlock()
}

// deliver forwards a frame, blocking until the consumer takes it or the
// reader context ends.
func (c *channel) deliver(ctx context.Context, frame schema.Frame) bool {
	c.touch()
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateConnected
	}
	c.mu.Unlock()
	select {
	case c.frames <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish ends the read loop. A non-nil cause is reported as a transport
// error unless the channel was closed deliberately.
func (c *channel) finish(ctx context.Context, op string, readErr error) {
	c.mu.Lock()
	if c.idle != nil {
		c.idle.Stop()
	}
	closed := c.closed
	c.mu.Unlock()

	cause := context.Cause(ctx)
	switch {
	case closed || errors.Is(cause, errClosed):
	case cause != nil && !errors.Is(cause, errIdleTimeout):
		// parent context cancelled
		c.setState(StateDisconnected)
	default:
		c.setState(StateReconnecting)
		if errors.Is(cause, errIdleTimeout) {
			readErr = transportError(op, errIdleTimeout, errs.WithMessage("no frame within idle timeout"))
		} else if readErr == nil {
			readErr = transportError(op, errors.New("stream ended by server"))
		} else if !errs.IsCode(readErr, errs.CodeTransport) {
			readErr = transportError(op, readErr)
		}
		c.errs <- readErr
	}
	if c.cancel != nil {
		c.cancel(errClosed)
	}
	close(c.errs)
	close(c.frames)
	close(c.done)
}

// shutdown is the terminal transition used by Close.
func (c *channel) shutdown() (wasOpen bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.state = StateDisconnected
	cancel := c.cancel
	opened := c.opened
	if c.idle != nil {
		c.idle.Stop()
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel(errClosed)
	}
	return opened
}

func (c *channel) wait() {
	<-c.done
}
