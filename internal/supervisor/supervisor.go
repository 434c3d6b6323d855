// Package supervisor owns the connect, ingest and reconnect loop for one session stream.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/codec"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
	"github.com/coachpo/livesession/internal/sequence"
	"github.com/coachpo/livesession/internal/snapshot"
	"github.com/coachpo/livesession/internal/stream"
	"github.com/coachpo/livesession/internal/telemetry"
)

const (
	// DefaultBaseDelay is the first reconnect delay.
	DefaultBaseDelay = 3 * time.Second
	// DefaultMaxDelay caps every reconnect delay.
	DefaultMaxDelay = 30 * time.Second
	// DefaultJitter is the randomization factor applied to each delay.
	DefaultJitter = 0.2
)

// BaselineFetcher returns the authoritative snapshot for a session.
type BaselineFetcher interface {
	Snapshot(ctx context.Context, sessionID string) (schema.Snapshot, error)
}

// Decoder turns raw frames into events.
type Decoder interface {
	Decode(frame schema.Frame) (schema.Event, error)
}

// Phase describes what the loop is doing.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseBaseline   Phase = "baseline"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseBackoff    Phase = "backoff"
	PhaseCompleted  Phase = "completed"
	PhaseStopped    Phase = "stopped"
)

// Config tunes the reconnect policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	ResyncOnGap bool
}

func (c Config) normalise() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	return c
}

// Stats are cumulative counters for one supervisor.
type Stats struct {
	Phase            Phase
	Connects         int
	Reconnects       int
	Frames           int
	DecodeErrors     int
	Gaps             int
	Duplicates       int
	BaselineFailures int
	Resyncs          int
	LastError        string
	LastDelay        time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records stream instrumentation.
func WithMetrics(metrics *telemetry.StreamMetrics) Option {
	return func(s *Supervisor) { s.metrics = metrics }
}

// WithDecoder overrides the frame decoder.
func WithDecoder(decoder Decoder) Option {
	return func(s *Supervisor) {
		if decoder != nil {
			s.decoder = decoder
		}
	}
}

// WithTracker supplies the sequence tracker.
func WithTracker(tracker *sequence.Tracker) Option {
	return func(s *Supervisor) {
		if tracker != nil {
			s.tracker = tracker
		}
	}
}

// WithLifecycleContext sets the parent context of the connection loop.
func WithLifecycleContext(ctx context.Context) Option {
	return func(s *Supervisor) {
		if ctx != nil {
			s.lifecycle = ctx
		}
	}
}

// Supervisor fetches a baseline, opens a fresh transport, ingests frames
// and reconnects with exponential backoff. Exactly one goroutine runs the
// loop; Disconnect is the only way to stop it early.
type Supervisor struct {
	cfg           Config
	factory       stream.Factory
	fetcher       BaselineFetcher
	reconstructor *snapshot.Reconstructor
	tracker       *sequence.Tracker
	decoder       Decoder
	logger        observability.Logger
	metrics       *telemetry.StreamMetrics

	mu        sync.Mutex
	lifecycle context.Context
	cancel    context.CancelFunc
	wg        *conc.WaitGroup
	done      chan struct{}
	transport stream.Transport
	stats     Stats
}

// New builds a supervisor. The reconstructor is shared with readers.
func New(cfg Config, factory stream.Factory, fetcher BaselineFetcher, reconstructor *snapshot.Reconstructor, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:           cfg.normalise(),
		factory:       factory,
		fetcher:       fetcher,
		reconstructor: reconstructor,
		tracker:       sequence.NewTracker(0),
		decoder:       codec.New(),
		logger:        observability.Log(),
		lifecycle:     context.Background(),
		stats:         Stats{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect starts the loop for target. It returns immediately; progress is
// visible through Stats and the reconstructor.
func (s *Supervisor) Connect(target stream.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if s.factory == nil || s.fetcher == nil || s.reconstructor == nil {
		return errs.New("supervisor", errs.CodeInvalid, errs.WithMessage("supervisor not configured"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		select {
		case <-s.done:
		default:
			return errs.New("supervisor", errs.CodeInvalid, errs.WithMessage("already connected"))
		}
		s.cancel()
	}

	ctx, cancel := context.WithCancel(s.lifecycle)
	done := make(chan struct{})
	wg := conc.NewWaitGroup()
	s.cancel = cancel
	s.done = done
	s.wg = wg
	s.stats.Phase = PhaseBaseline

	logger := observability.With(s.logger, observability.F("session_id", target.SessionID))
	wg.Go(func() {
		defer close(done)
		s.run(ctx, target, logger)
	})
	return nil
}

// Disconnect cancels the loop, closes any open transport and waits for the
// loop to exit. It is safe to call repeatedly.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()

	s.mu.Lock()
	if s.stats.Phase != PhaseCompleted {
		s.stats.Phase = PhaseStopped
	}
	s.mu.Unlock()
}

// Done is closed when the current loop exits.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// State reports the state of the live transport, or disconnected between attempts.
func (s *Supervisor) State() stream.ConnectionState {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return stream.StateDisconnected
	}
	return transport.State()
}

// Phase reports the loop phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Phase
}

// Stats returns a copy of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Anomalies returns recorded sequence anomalies, oldest first.
func (s *Supervisor) Anomalies() []sequence.Anomaly {
	return s.tracker.Anomalies()
}

type outcome int

const (
	outcomeRetry outcome = iota
	outcomeResync
	outcomeCompleted
	outcomeCancelled
)

func (s *Supervisor) run(ctx context.Context, target stream.Target, logger observability.Logger) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BaseDelay,
		RandomizationFactor: s.cfg.Jitter,
		Multiplier:          2,
		MaxInterval:         s.cfg.MaxDelay,
	}
	bo.Reset()

	for {
		result, err := s.cycle(ctx, target, bo, logger)
		switch result {
		case outcomeCancelled:
			return
		case outcomeCompleted:
			s.update(func(st *Stats) { st.Phase = PhaseCompleted })
			logger.Info("session completed; stream closed")
			return
		case outcomeResync:
			s.update(func(st *Stats) { st.Resyncs++ })
		}

		delay := min(bo.NextBackOff(), s.cfg.MaxDelay)
		reason := "unknown"
		if err != nil {
			reason = string(errorCode(err))
		}
		s.update(func(st *Stats) {
			st.Phase = PhaseBackoff
			st.LastDelay = delay
			if err != nil {
				st.LastError = err.Error()
			}
		})
		s.metrics.ReconnectScheduled(ctx, reason, delay)
		msg := "stream interrupted; reconnecting"
		if result == outcomeResync {
			msg = "resyncing after sequence gap"
		}
		logger.Warn(msg,
			observability.F("err", err),
			observability.F("delay", delay),
		)

		if !sleep(ctx, delay) {
			return
		}
		if result == outcomeRetry {
			s.update(func(st *Stats) { st.Reconnects++ })
		}
	}
}

// cycle performs one baseline + connect + ingest attempt.
func (s *Supervisor) cycle(ctx context.Context, target stream.Target, bo *backoff.ExponentialBackOff, logger observability.Logger) (outcome, error) {
	s.update(func(st *Stats) { st.Phase = PhaseBaseline })
	started := time.Now()
	baseline, err := s.fetcher.Snapshot(ctx, target.SessionID)
	s.metrics.BaselineFetched(ctx, time.Since(started), err)
	if ctx.Err() != nil {
		return outcomeCancelled, nil
	}
	if err != nil {
		s.update(func(st *Stats) { st.BaselineFailures++ })
		return outcomeRetry, errs.New("supervisor", errs.CodeBaseline,
			errs.WithOperation("baseline"), errs.WithMessage("baseline fetch failed"), errs.WithCause(err))
	}
	if baseline.SessionID == "" {
		baseline.SessionID = target.SessionID
	}
	s.reconstructor.ApplyBaseline(baseline)
	s.tracker.Reset(baseline.Sequence)
	logger.Debug("baseline applied", observability.F("tick", baseline.TickNumber))

	s.update(func(st *Stats) { st.Phase = PhaseConnecting })
	transport := s.factory()
	s.setTransport(transport)
	defer func() {
		_ = transport.Close()
		s.setTransport(nil)
	}()

	frames, errCh, err := transport.Open(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
		s.metrics.ConnectionChanged(ctx, transport.State().String(), false)
		if s.reconstructor.Status() == schema.SessionCompleted {
			return outcomeCompleted, nil
		}
		return outcomeRetry, err
	}

	// The backoff resets only once a frame applies cleanly, so a gap that
	// recurs on every connection keeps growing the resync delay.
	connected, healthy := false, false
	for frame := range frames {
		if !connected {
			connected = true
			s.update(func(st *Stats) {
				st.Phase = PhaseStreaming
				st.Connects++
			})
			s.metrics.ConnectionChanged(ctx, stream.StateConnected.String(), true)
			logger.Info("stream connected")
		}
		if gap := s.handle(ctx, frame, logger); gap && s.cfg.ResyncOnGap {
			return outcomeResync, errs.New("supervisor", errs.CodeSequence,
				errs.WithOperation("ingest"), errs.WithMessage("catch-up gap; resyncing"))
		}
		if !healthy {
			healthy = true
			bo.Reset()
		}
	}

	streamErr := <-errCh
	if ctx.Err() != nil {
		return outcomeCancelled, nil
	}
	s.metrics.ConnectionChanged(ctx, transport.State().String(), false)
	if s.reconstructor.Status() == schema.SessionCompleted {
		return outcomeCompleted, nil
	}
	if streamErr == nil {
		streamErr = errs.New("supervisor", errs.CodeTransport, errs.WithMessage("stream ended"))
	}
	return outcomeRetry, streamErr
}

// handle decodes and applies one frame. It reports whether a sequence gap was seen.
func (s *Supervisor) handle(ctx context.Context, frame schema.Frame, logger observability.Logger) bool {
	started := time.Now()
	event, err := s.decoder.Decode(frame)
	if err != nil {
		stage := ""
		var e *errs.E
		if errors.As(err, &e) {
			stage = e.Metadata["stage"]
		}
		s.update(func(st *Stats) { st.DecodeErrors++ })
		s.metrics.DecodeFailed(ctx, string(frame.Name), stage)
		logger.Warn("frame skipped", observability.F("frame", string(frame.Name)), observability.F("err", err))
		return false
	}

	gap := false
	switch evt := event.(type) {
	case schema.Heartbeat:
	case *schema.TickUpdate:
		s.reconstructor.ApplyTick(*evt)
	case schema.NodeEventBatch:
		accepted := make([]schema.NodeEvent, 0, len(evt))
		for _, ne := range evt {
			res := s.tracker.Validate(sequence.KindNode, ne.CatchupID)
			gap = s.noteResult(ctx, res, logger) || gap
			if res.Accept {
				accepted = append(accepted, ne)
			}
		}
		s.reconstructor.ApplyNodeEvents(accepted)
	case *schema.TradeUpdate:
		res := s.tracker.Validate(sequence.KindTrade, evt.CatchupID)
		gap = s.noteResult(ctx, res, logger)
		if res.Accept {
			s.reconstructor.ApplyTradeBulk(*evt)
		}
	case *schema.InitialState:
		s.reconstructor.ApplyInitialState(*evt)
		advance := schema.SequenceState{LastNodeCatchupID: evt.MaxNodeCatchupID()}
		if evt.Trades != nil {
			advance.LastTradeCatchupID = evt.Trades.CatchupID
		}
		s.tracker.Advance(advance)
	}

	s.update(func(st *Stats) { st.Frames++ })
	s.metrics.FrameReceived(ctx, string(frame.Name), time.Since(started))
	return gap
}

func (s *Supervisor) noteResult(ctx context.Context, res sequence.Result, logger observability.Logger) bool {
	if res.Anomaly == nil {
		return false
	}
	a := res.Anomaly
	s.update(func(st *Stats) {
		if a.Type == sequence.AnomalyGap {
			st.Gaps++
		} else {
			st.Duplicates++
		}
	})
	s.metrics.Anomaly(ctx, string(a.Kind), string(a.Type))
	logger.Warn("sequence anomaly",
		observability.F("kind", string(a.Kind)),
		observability.F("type", string(a.Type)),
		observability.F("last", a.Last),
		observability.F("received", a.Received),
	)
	return res.GapDetected
}

func (s *Supervisor) update(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Supervisor) setTransport(t stream.Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errorCode(err error) errs.Code {
	var e *errs.E
	if errors.As(err, &e) {
		return e.Code
	}
	return "unknown"
}
