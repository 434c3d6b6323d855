// Package session manages the lifecycle of one live session: it drives the
// control plane and owns the stream pipeline feeding the session snapshot.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/control"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
	"github.com/coachpo/livesession/internal/snapshot"
	"github.com/coachpo/livesession/internal/stream"
	"github.com/coachpo/livesession/internal/supervisor"
)

// ControlPlane is the subset of the control client the controller drives.
type ControlPlane interface {
	Start(ctx context.Context, req control.StartRequest) (schema.Session, error)
	Stop(ctx context.Context, sessionID string) error
	SetSpeed(ctx context.Context, sessionID string, multiplier float64) error
	StreamURL(streamURL string) (string, error)
}

// Streamer runs the connect and reconnect loop for one session.
type Streamer interface {
	Connect(target stream.Target) error
	Disconnect()
	Stats() supervisor.Stats
	Done() <-chan struct{}
}

// Snapshots is the read side of the session state.
type Snapshots interface {
	snapshot.Reader
	Status() schema.SessionStatus
}

// Pipeline pairs a session's streamer with the snapshot it feeds.
type Pipeline struct {
	Streamer  Streamer
	Snapshots Snapshots
}

// PipelineFactory builds a fresh pipeline for a session id.
type PipelineFactory func(sessionID string) Pipeline

// SupervisedPipelines returns a factory wiring a reconstructor into a supervisor.
func SupervisedPipelines(cfg supervisor.Config, transports stream.Factory, fetcher supervisor.BaselineFetcher, opts ...supervisor.Option) PipelineFactory {
	return func(sessionID string) Pipeline {
		recon := snapshot.New(sessionID)
		sup := supervisor.New(cfg, transports, fetcher, recon, opts...)
		return Pipeline{Streamer: sup, Snapshots: recon}
	}
}

// StartParams identifies the strategy run to launch.
type StartParams struct {
	UserID             string
	StrategyID         string
	StrategyName       string
	BrokerConnectionID string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithURLTemplate resolves stream urls for sessions whose start response
// carries none, and for attached sessions.
func WithURLTemplate(resolve func(sessionID string) string) Option {
	return func(c *Controller) { c.urlFor = resolve }
}

type active struct {
	session  schema.Session
	pipeline Pipeline
	stopped  bool
	detached bool
}

// Controller owns at most one active session at a time.
type Controller struct {
	control   ControlPlane
	pipelines PipelineFactory
	urlFor    func(sessionID string) string
	logger    observability.Logger

	// opMu serializes Start, Attach and Stop; mu guards current.
	opMu    sync.Mutex
	mu      sync.RWMutex
	current *active
}

// NewController builds a controller.
func NewController(cp ControlPlane, pipelines PipelineFactory, opts ...Option) *Controller {
	c := &Controller{
		control:   cp,
		pipelines: pipelines,
		logger:    observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start launches a session on the control plane and connects its stream.
func (c *Controller) Start(ctx context.Context, params StartParams) (schema.Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.ensureIdle(); err != nil {
		return schema.Session{}, err
	}

	req := control.StartRequest{
		UserID:             params.UserID,
		StrategyID:         params.StrategyID,
		StrategyName:       params.StrategyName,
		BrokerConnectionID: params.BrokerConnectionID,
	}
	if err := req.Validate(); err != nil {
		return schema.Session{}, err
	}
	started, err := c.control.Start(ctx, req)
	if err != nil {
		return schema.Session{}, err
	}
	started.UserID = params.UserID
	started.StrategyID = params.StrategyID
	started.StrategyName = params.StrategyName
	started.BrokerConnectionID = params.BrokerConnectionID
	if started.CreatedAt.IsZero() {
		started.CreatedAt = time.Now().UTC()
	}
	started.Status = schema.SessionStarting

	if err := c.connect(started); err != nil {
		if stopErr := c.control.Stop(ctx, started.ID); stopErr != nil {
			c.logger.Warn("stop after failed connect", observability.F("session_id", started.ID), observability.F("err", stopErr))
		}
		return schema.Session{}, err
	}
	c.logger.Info("session started",
		observability.F("session_id", started.ID),
		observability.F("strategy_id", started.StrategyID),
	)
	c.mu.RLock()
	started = c.current.session
	c.mu.RUnlock()
	return started, nil
}

// Attach follows an already running session without starting it.
func (c *Controller) Attach(sessionID string) (schema.Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.ensureIdle(); err != nil {
		return schema.Session{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return schema.Session{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	attached := schema.Session{ID: sessionID, Status: schema.SessionStarting, CreatedAt: time.Now().UTC()}
	if err := c.connect(attached); err != nil {
		return schema.Session{}, err
	}
	return c.describe(), nil
}

// Stop stops the session on the control plane, then disconnects the stream.
// When the control plane refuses, the stream keeps running.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	cur, err := c.running()
	if err != nil {
		return err
	}
	if cur.stopped {
		return nil
	}
	if err := c.control.Stop(ctx, cur.session.ID); err != nil {
		return err
	}
	cur.pipeline.Streamer.Disconnect()

	c.mu.Lock()
	cur.stopped = true
	c.mu.Unlock()
	c.logger.Info("session stopped", observability.F("session_id", cur.session.ID))
	return nil
}

// Detach disconnects the stream but leaves the session running server side.
func (c *Controller) Detach() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil || cur.stopped || cur.detached {
		return
	}
	cur.pipeline.Streamer.Disconnect()
	c.mu.Lock()
	cur.detached = true
	c.mu.Unlock()
}

// SetSpeed changes the replay speed of the active session.
func (c *Controller) SetSpeed(ctx context.Context, multiplier float64) error {
	if multiplier <= 0 {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage("speed multiplier must be positive"))
	}
	cur, err := c.running()
	if err != nil {
		return err
	}
	c.mu.RLock()
	stopped, id := cur.stopped, cur.session.ID
	c.mu.RUnlock()
	if stopped {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage("session "+id+" stopped"))
	}
	return c.control.SetSpeed(ctx, id, multiplier)
}

// Session describes the current session with its status derived on read.
func (c *Controller) Session() (schema.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return schema.Session{}, false
	}
	return c.describeLocked(), true
}

// Snapshot returns the current reconstructed snapshot.
func (c *Controller) Snapshot() (schema.Snapshot, bool) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil {
		return schema.Snapshot{}, false
	}
	return cur.pipeline.Snapshots.CurrentSnapshot(), true
}

// Subscribe streams snapshot updates of the current session.
func (c *Controller) Subscribe() (<-chan schema.Snapshot, func(), error) {
	cur, err := c.running()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := cur.pipeline.Snapshots.Subscribe()
	return ch, cancel, nil
}

// Stats returns the stream counters of the current session.
func (c *Controller) Stats() (supervisor.Stats, bool) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil {
		return supervisor.Stats{}, false
	}
	return cur.pipeline.Streamer.Stats(), true
}

// Done is closed when the stream loop of the current session exits.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return cur.pipeline.Streamer.Done()
}

func (c *Controller) connect(sess schema.Session) error {
	url, err := c.resolveStreamURL(sess)
	if err != nil {
		return err
	}
	sess.StreamURL = url
	pipeline := c.pipelines(sess.ID)
	if err := pipeline.Streamer.Connect(stream.Target{SessionID: sess.ID, URL: url}); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = &active{session: sess, pipeline: pipeline}
	c.mu.Unlock()
	return nil
}

func (c *Controller) resolveStreamURL(sess schema.Session) (string, error) {
	if strings.TrimSpace(sess.StreamURL) != "" {
		return c.control.StreamURL(sess.StreamURL)
	}
	if c.urlFor != nil {
		if url := c.urlFor(sess.ID); url != "" {
			return url, nil
		}
	}
	return "", errs.New("session", errs.CodeInvalid, errs.WithMessage("no stream url for session "+sess.ID))
}

// ensureIdle rejects a new session while the previous one is still live.
func (c *Controller) ensureIdle() error {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil || cur.stopped || cur.detached {
		return nil
	}
	select {
	case <-cur.pipeline.Streamer.Done():
		return nil
	default:
	}
	return errs.New("session", errs.CodeInvalid, errs.WithMessage("session "+cur.session.ID+" already active"))
}

func (c *Controller) running() (*active, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, errs.New("session", errs.CodeInvalid, errs.WithMessage("no active session"))
	}
	return c.current, nil
}

func (c *Controller) describe() schema.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.describeLocked()
}

func (c *Controller) describeLocked() schema.Session {
	cur := c.current
	sess := cur.session
	sess.Status = deriveStatus(cur)
	return sess
}

func deriveStatus(cur *active) schema.SessionStatus {
	if cur.stopped {
		return schema.SessionStopped
	}
	if cur.pipeline.Snapshots.Status() == schema.SessionCompleted {
		return schema.SessionCompleted
	}
	stats := cur.pipeline.Streamer.Stats()
	if stats.Phase == supervisor.PhaseCompleted {
		return schema.SessionCompleted
	}
	if stats.Connects > 0 {
		return schema.SessionRunning
	}
	return schema.SessionStarting
}
