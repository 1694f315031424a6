// Package acquisition runs acquisition sessions: it selects a backend,
// feeds its output into a ring buffer and publishes the drained samples as
// data blocks.
package acquisition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/buffer"
	"github.com/Gameminde/Chneowave-sub003/internal/errorbus"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
	"github.com/Gameminde/Chneowave-sub003/internal/session"
)

const source = "acquisition"

// ErrSessionActive is returned by StartSession while a session is running
var ErrSessionActive = errors.Sentinel(source, errors.CategoryConflict, "acquisition session already active")

// ErrNoSamples marks a session stopped before its backend produced anything
var ErrNoSamples = errors.Sentinel(source, errors.CategoryBackend, "session stopped before backend produced samples")

// Metrics receives acquisition measurements. observability/metrics
// provides the Prometheus implementation.
type Metrics interface {
	RecordBufferUsage(backend string, usagePercent float64, pending int)
	RecordOverflow(backend string, frames uint64)
	RecordRejected(backend string, writes uint64)
	RecordBlockPublished(backend string, frames int)
	RecordSessionState(state session.State)
}

type noopMetrics struct{}

func (noopMetrics) RecordBufferUsage(string, float64, int) {}
func (noopMetrics) RecordOverflow(string, uint64)          {}
func (noopMetrics) RecordRejected(string, uint64)          {}
func (noopMetrics) RecordBlockPublished(string, int)       {}
func (noopMetrics) RecordSessionState(session.State)       {}

// Deps are the collaborators an Adapter is built from. Events, Errors and
// Registry are required.
type Deps struct {
	Events   *events.Bus
	Errors   *errorbus.Bus
	Registry *backend.Registry
	Metrics  Metrics
	Logger   *slog.Logger
}

type options struct {
	drainInterval      time.Duration
	stopTimeout        time.Duration
	maxConsecutiveFull int
}

// Option configures an Adapter
type Option func(*options)

// WithDrainInterval sets the default drain period
func WithDrainInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainInterval = d
		}
	}
}

// WithStopTimeout bounds how long StopSession waits for the backend
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithMaxConsecutiveFull sets how many back-to-back BufferFull writes are
// tolerated before the session is failed
func WithMaxConsecutiveFull(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConsecutiveFull = n
		}
	}
}

// Adapter owns at most one session at a time. All methods are safe for
// concurrent use.
type Adapter struct {
	events   *events.Bus
	errors   *errorbus.Bus
	registry *backend.Registry
	metrics  Metrics
	logger   *slog.Logger
	opts     options

	mu      sync.Mutex // serialises StartSession and guards current
	current *run

	wg sync.WaitGroup
}

// New creates an adapter
func New(deps Deps, opts ...Option) (*Adapter, error) {
	if deps.Events == nil || deps.Errors == nil || deps.Registry == nil {
		return nil, errors.Newf("acquisition adapter needs an event bus, an error bus and a backend registry").
			Component(source).
			Category(errors.CategoryConfiguration).
			Build()
	}
	a := &Adapter{
		events:   deps.Events,
		errors:   deps.Errors,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		opts: options{
			drainInterval:      DefaultDrainInterval,
			stopTimeout:        DefaultStopTimeout,
			maxConsecutiveFull: DefaultMaxConsecutiveFull,
		},
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	if a.logger == nil {
		a.logger = logging.ForService(source)
	}
	for _, opt := range opts {
		opt(&a.opts)
	}
	return a, nil
}

// StartSession validates cfg, selects and starts a backend and begins
// draining. Configuration errors are returned before anything is created.
// A backend that fails to start leaves the session FAILED.
func (a *Adapter) StartSession(ctx context.Context, cfg SessionConfig) (events.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev := a.current; prev != nil {
		if !prev.machine.State().Terminal() {
			return events.SessionInfo{}, errors.New(fmt.Errorf("session %s: %w", prev.id, ErrSessionActive)).
				Component(source).
				Category(errors.CategoryConflict).
				Context("state", prev.machine.State().String()).
				Build()
		}
		// a failed session may still be tearing down
		_ = a.teardown(prev)
	}

	if err := cfg.Validate(); err != nil {
		return events.SessionInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return events.SessionInfo{}, err
	}

	sel, err := a.registry.Select(cfg.BackendPreference)
	if err != nil {
		return events.SessionInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return events.SessionInfo{}, err
	}
	name := sel.Backend.Name()
	a.errors.Info(source, fmt.Sprintf("acquisition backend %s selected", name),
		"backend", name,
		"reason", sel.Reason,
	)
	if sel.Fallback {
		a.errors.Warning(source, "no hardware backend available, falling back to simulation",
			"reason", sel.Reason,
			"unavailable", sel.Unavailable,
			"preference", cfg.BackendPreference,
		)
	} else if sel.PreferenceIgnored {
		a.errors.Warning(source, fmt.Sprintf("preferred backend %s unavailable, using %s", cfg.BackendPreference, name),
			"reason", sel.Reason,
			"unavailable", sel.Unavailable,
			"preference", cfg.BackendPreference,
		)
	}

	if cfg.OverflowPolicy == buffer.PolicyBlock && backend.IsRealtime(sel.Backend) {
		a.errors.Warning(source, "block overflow policy on a device-clocked backend: a full buffer stalls the capture callback",
			"backend", name,
			"block_timeout", cfg.BlockTimeout.String(),
		)
	}

	bc := cfg.BufferConfig()
	params := cfg.backendParams(bc, sel)
	if err := sel.Backend.Configure(params); err != nil {
		return events.SessionInfo{}, err
	}
	buf, err := buffer.New(bc)
	if err != nil {
		return events.SessionInfo{}, err
	}

	r := a.newRun(cfg, bc, buf, sel)
	a.current = r

	if _, err := a.transition(r, session.Starting, "session started"); err != nil {
		return events.SessionInfo{}, err
	}
	a.events.SessionStarted(r.info)

	a.wg.Go(func() { a.drainLoop(r) })

	err = sel.Backend.Start(
		func(block [][]float32, ts time.Time) { a.onBlock(r, block, ts) },
		func(err error) { a.onFault(r, err) },
	)
	if err != nil {
		a.fail(r, r.backendSource(), err)
		return r.info, err
	}

	a.logger.Info("acquisition session started",
		"session_id", r.id,
		"backend", name,
		"fallback", sel.Fallback,
		"sample_rate_hz", bc.SampleRateHz,
		"channels", bc.ChannelCount,
		"capacity_per_channel", bc.CapacityPerChannel,
		"overflow_policy", bc.OverflowPolicy.String(),
	)
	return r.info, nil
}

func (a *Adapter) newRun(cfg SessionConfig, bc buffer.Config, buf *buffer.RingBuffer, sel backend.Selection) *run {
	r := &run{
		id:        uuid.New().String(),
		cfg:       cfg,
		bufCfg:    bc,
		buf:       buf,
		backend:   sel.Backend,
		machine:   session.NewMachine(),
		startedAt: time.Now(),
		stopDrain: make(chan struct{}),
		drainDone: make(chan struct{}),
	}
	r.drainInterval = cfg.DrainInterval
	if r.drainInterval <= 0 {
		r.drainInterval = a.opts.drainInterval
	}
	r.maxBlock = cfg.MaxBlockSamples
	if r.maxBlock <= 0 {
		r.maxBlock = bc.CapacityPerChannel
	}
	r.info = events.SessionInfo{
		SessionID:          r.id,
		Backend:            sel.Backend.Name(),
		Fallback:           sel.Fallback,
		DeviceID:           cfg.DeviceID,
		SampleRateHz:       bc.SampleRateHz,
		ChannelCount:       bc.ChannelCount,
		CapacityPerChannel: bc.CapacityPerChannel,
		OverflowPolicy:     bc.OverflowPolicy,
		StartedAt:          r.startedAt,
	}
	r.machine.Observe(func(_, to session.State) { a.metrics.RecordSessionState(to) })
	return r
}

// transition applies a state change and announces it. Publishing never
// blocks, so the announcement happens under the run's state lock.
func (a *Adapter) transition(r *run, to session.State, reason string) (session.State, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	from, err := r.machine.Transition(to)
	if err != nil {
		return from, err
	}
	now := time.Now()
	if to.Terminal() {
		r.finishedAt.Store(now.UnixNano())
	}
	a.events.SessionStateChanged(events.StateChange{
		SessionID: r.id,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        now,
	})
	a.logger.Debug("session state changed", "session_id", r.id, "from", from.String(), "to", to.String())
	return from, nil
}

// onBlock is the producer path. It runs on the backend's goroutine.
func (a *Adapter) onBlock(r *run, block [][]float32, ts time.Time) {
	if r.halted.Load() {
		return
	}
	r.anchor.CompareAndSwap(0, ts.UnixNano())

	remaining := block
	for {
		n, err := r.buf.WriteBlock(remaining)
		if n > 0 && r.machine.State() == session.Starting {
			_, _ = a.transition(r, session.Running, "backend producing samples")
		}
		if err == nil {
			r.consecutiveFull.Store(0)
			return
		}
		if !errors.Is(err, buffer.ErrBufferFull) {
			a.fail(r, source, err)
			return
		}

		remaining = tail(remaining, n)
		if n > 0 {
			r.consecutiveFull.Store(0)
		}
		full := r.consecutiveFull.Add(1)
		r.notePeakFull(full)
		if full > int64(a.opts.maxConsecutiveFull) {
			a.fail(r, source, errors.New(fmt.Errorf("buffer full for %d consecutive writes: %w", full, buffer.ErrBufferFull)).
				Component(source).
				Category(errors.CategoryBuffer).
				Priority(errors.PriorityCritical).
				Context("session_id", r.id).
				Context("pending", r.buf.Pending()).
				Build())
			return
		}
		if r.stopping.Load() || r.halted.Load() {
			r.discarded.Add(uint64(len(remaining[0])))
			return
		}
		r.backoff()
	}
}

// tail drops the first n frames of a channel-major block
func tail(block [][]float32, n int) [][]float32 {
	if n == 0 {
		return block
	}
	out := make([][]float32, len(block))
	for c := range block {
		out[c] = block[c][n:]
	}
	return out
}

func (a *Adapter) onFault(r *run, err error) {
	if r.halted.Load() {
		return
	}
	a.fail(r, r.backendSource(), err)
}

// fail moves the session to FAILED, reports CRITICAL and tears the session
// down in the background. Only the first call per session has an effect.
func (a *Adapter) fail(r *run, src string, err error) {
	if _, terr := a.transition(r, session.Failed, err.Error()); terr != nil {
		return
	}
	r.halted.Store(true)
	a.errors.PublishError(errorbus.Critical, src, err)
	a.logger.Error("acquisition session failed", "session_id", r.id, "error", err)
	a.wg.Go(func() { _ = a.teardown(r) })
}

// teardown stops the backend and then the drain loop, once per session
func (a *Adapter) teardown(r *run) error {
	r.teardownOnce.Do(func() {
		r.stopping.Store(true)
		r.teardownErr = a.stopBackend(r)
		r.halted.Store(true)
		close(r.stopDrain)
		<-r.drainDone
	})
	return r.teardownErr
}

// stopBackend waits at most the stop timeout. A backend that does not
// return in time is abandoned.
func (a *Adapter) stopBackend(r *run) error {
	done := make(chan error, 1)
	go func() { done <- r.backend.Stop() }()

	timer := time.NewTimer(a.opts.stopTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return errors.New(fmt.Errorf("stop backend %s: %w", r.backend.Name(), err)).
				Component(source).
				Category(errors.CategoryBackend).
				Context("session_id", r.id).
				Build()
		}
		return nil
	case <-timer.C:
		return errors.New(fmt.Errorf("backend %s did not stop within %v: %w", r.backend.Name(), a.opts.stopTimeout, backend.ErrStopTimeout)).
			Component(source).
			Category(errors.CategoryTimeout).
			Priority(errors.PriorityHigh).
			Timing("stop_backend", a.opts.stopTimeout).
			Context("session_id", r.id).
			Build()
	}
}

// StopSession ends the current session: the backend is stopped, then the
// drain loop, then every remaining sample is published as one final block
// before the session moves to FINISHED. It is safe to call from any
// goroutine; calls after the first and calls without a session are no-ops.
func (a *Adapter) StopSession(ctx context.Context) error {
	a.mu.Lock()
	r := a.current
	a.mu.Unlock()
	if r == nil {
		return nil
	}

	first := false
	var err error
	r.stopOnce.Do(func() {
		first = true
		err = a.finish(ctx, r)
	})
	if !first {
		return nil
	}
	return err
}

func (a *Adapter) finish(ctx context.Context, r *run) error {
	done := make(chan error, 1)
	go func() { done <- a.teardown(r) }()

	var stopErr error
	select {
	case stopErr = <-done:
	case <-ctx.Done():
		// teardown keeps running and is bounded by the stop timeout
		stopErr = ctx.Err()
		a.fail(r, source, errors.New(fmt.Errorf("stop session: %w", stopErr)).
			Component(source).
			Category(errors.CategoryTimeout).
			Build())
		return stopErr
	}

	if r.machine.State() == session.Failed {
		return nil
	}

	a.flush(r)

	if stopErr != nil {
		a.fail(r, r.backendSource(), stopErr)
		return stopErr
	}

	if _, err := a.transition(r, session.Finished, "session stopped"); err != nil {
		if r.machine.State() != session.Starting {
			return nil
		}
		noSamples := errors.New(fmt.Errorf("session %s: %w", r.id, ErrNoSamples)).
			Component(source).
			Category(errors.CategoryBackend).
			Context("backend", r.backend.Name()).
			Build()
		a.fail(r, source, noSamples)
		return noSamples
	}

	stats := r.snapshot()
	a.events.SessionFinished(stats)
	a.logger.Info("acquisition session finished",
		"session_id", r.id,
		"blocks", stats.BlocksPublished,
		"frames", stats.SamplesPublished,
		"overflows", stats.Buffer.OverflowCount,
		"duration", stats.Duration(),
	)
	return nil
}

// Close stops the current session and waits for background work
func (a *Adapter) Close(ctx context.Context) error {
	err := a.StopSession(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// State returns the state of the current session, or IDLE without one
func (a *Adapter) State() session.State {
	if r := a.session(); r != nil {
		return r.machine.State()
	}
	return session.Idle
}

// SessionID returns the current session ID, or "" without one
func (a *Adapter) SessionID() string {
	if r := a.session(); r != nil {
		return r.id
	}
	return ""
}

// BufferUsage returns the fill level of the current session's buffer in
// percent
func (a *Adapter) BufferUsage() float64 {
	if r := a.session(); r != nil {
		return r.buf.UsagePercent()
	}
	return 0
}

// Stats returns a snapshot of the current or last session
func (a *Adapter) Stats() events.SessionStats {
	if r := a.session(); r != nil {
		return r.snapshot()
	}
	return events.SessionStats{}
}

func (a *Adapter) session() *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
