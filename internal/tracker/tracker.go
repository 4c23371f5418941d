package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEmptyReference is returned by Start when no reference is given.
var ErrEmptyReference = errors.New("tracker: empty reference")

// Options configures polling cadence and the tracking deadline.
type Options struct {
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"3s"`
	MaxTrackingTime  time.Duration `envconfig:"MAX_TIME" default:"5m"`
	TickInterval     time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	WarningThreshold float64       `envconfig:"WARNING_THRESHOLD" default:"0.8"`
	QueryTimeout     time.Duration `envconfig:"QUERY_TIMEOUT" default:"10s"`
}

// DefaultOptions returns the production cadence.
func DefaultOptions() Options {
	return Options{
		PollInterval:     3 * time.Second,
		MaxTrackingTime:  5 * time.Minute,
		TickInterval:     time.Second,
		WarningThreshold: 0.8,
		QueryTimeout:     10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxTrackingTime <= 0 {
		o.MaxTrackingTime = d.MaxTrackingTime
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.WarningThreshold <= 0 || o.WarningThreshold >= 1 {
		o.WarningThreshold = d.WarningThreshold
	}
	return o
}

// session is one Start..stop run. A poll result is applied only while its
// session is still current.
type session struct {
	id        uint64
	reference string
	cancel    context.CancelFunc
	inFlight  atomic.Bool
	paused    atomic.Bool
}

// Tracker follows one payment reference at a time. All methods are safe for
// concurrent use, including from inside observer callbacks.
type Tracker struct {
	querier  Querier
	opts     Options
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	snap     Snapshot
	current  *session
	sessions uint64

	// pending notifications, delivered in order by a single dispatcher
	queue       []func()
	dispatching bool
}

// New creates an idle tracker.
func New(querier Querier, opts Options, observer Observer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		querier:  querier,
		opts:     opts.withDefaults(),
		observer: observer,
		logger:   logger,
		now:      time.Now,
		snap:     Snapshot{Status: StatusNotStarted},
	}
}

// Start begins tracking reference. The first poll is issued immediately. A
// session already running is cancelled first. Cancelling ctx ends the session
// as if Stop had been called.
func (t *Tracker) Start(ctx context.Context, reference string) error {
	if reference == "" {
		return ErrEmptyReference
	}

	t.mu.Lock()
	if t.current != nil {
		t.endLocked(StopRestarted)
	}
	t.sessions++
	sctx, cancel := context.WithCancel(ctx)
	s := &session{id: t.sessions, reference: reference, cancel: cancel}
	t.current = s
	t.snap = Snapshot{
		Reference:         reference,
		Status:            StatusNotStarted,
		Tracking:          true,
		TrackingStartTime: t.now(),
	}
	t.mu.Unlock()
	t.dispatch()

	t.logger.Info("payment tracking started",
		"reference", reference,
		"session", s.id,
		"poll_interval", t.opts.PollInterval,
		"max_tracking_time", t.opts.MaxTrackingTime,
	)

	go t.pollLoop(sctx, s)
	go t.tickLoop(sctx, s)
	return nil
}

// Stop ends the current session. A non-terminal status becomes cancelled.
// Calling Stop on an idle tracker does nothing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.current != nil {
		t.endLocked(StopCancelled)
	}
	t.mu.Unlock()
	t.dispatch()
}

// Pause suspends polling. Elapsed time and the deadline keep running.
func (t *Tracker) Pause() {
	t.setPaused(true)
}

// Resume re-enables polling after Pause.
func (t *Tracker) Resume() {
	t.setPaused(false)
}

func (t *Tracker) setPaused(paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.paused.Store(paused)
	t.snap.Paused = paused
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Status
}

// Elapsed returns the time since tracking started, frozen once it stops.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked().Elapsed
}

// TimeoutWarning reports whether the elapsed time has crossed the warning
// threshold of the tracking deadline.
func (t *Tracker) TimeoutWarning() bool {
	return t.Elapsed() >= t.warnAfter()
}

// Tracking reports whether a session is active.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

func (t *Tracker) warnAfter() time.Duration {
	return time.Duration(float64(t.opts.MaxTrackingTime) * t.opts.WarningThreshold)
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := t.snap
	if t.current != nil && !s.TrackingStartTime.IsZero() {
		s.Elapsed = t.now().Sub(s.TrackingStartTime)
	}
	s.TimeoutWarning = s.Elapsed >= t.warnAfter()
	return s
}

func (t *Tracker) pollLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	t.launchPoll(ctx, s)
	for {
		select {
		case <-ctx.Done():
			t.abandon(s)
			return
		case <-ticker.C:
			t.launchPoll(ctx, s)
		}
	}
}

// launchPoll issues a status query unless one is already outstanding.
func (t *Tracker) launchPoll(ctx context.Context, s *session) {
	if s.paused.Load() {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		t.logger.Debug("status query still in flight, skipping poll", "reference", s.reference)
		return
	}
	t.mu.Lock()
	active := t.current == s
	t.mu.Unlock()
	if !active {
		s.inFlight.Store(false)
		return
	}
	go func() {
		defer s.inFlight.Store(false)
		t.poll(ctx, s)
	}()
}

func (t *Tracker) poll(ctx context.Context, s *session) {
	qctx := ctx
	if t.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, t.opts.QueryTimeout)
		defer cancel()
	}

	rec, err := t.query(qctx, s.reference)

	t.mu.Lock()
	if t.current != s {
		t.mu.Unlock()
		return
	}

	switch {
	case err != nil:
		if ctx.Err() == nil {
			t.logger.Warn("payment status query failed", "reference", s.reference, "error", err)
			t.notifyErr(err)
		}
	case rec == nil:
		t.notifyErr(fmt.Errorf("empty status response for %s", s.reference))
	default:
		t.applyLocked(rec)
	}

	if t.current == s {
		t.checkDeadlineLocked()
	}
	t.mu.Unlock()
	t.dispatch()
}

// query shields the loop from a panicking querier.
func (t *Tracker) query(ctx context.Context, reference string) (rec *Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status query panicked: %v", r)
		}
	}()
	return t.querier.QueryStatus(ctx, reference)
}

func (t *Tracker) applyLocked(rec *Record) {
	if t.snap.PollingStartTime.IsZero() {
		t.snap.PollingStartTime = t.now()
	}
	t.snap.LastUpdated = t.stampLocked()

	if rec.Amount != 0 {
		t.snap.Amount = rec.Amount
	}
	if rec.Currency != "" {
		t.snap.Currency = rec.Currency
	}
	if rec.TransactionID != "" {
		t.snap.TransactionID = rec.TransactionID
	}
	if rec.PaidAt != nil {
		t.snap.PaidAt = rec.PaidAt
	}
	if len(rec.GatewayResponse) > 0 {
		t.snap.GatewayResponse = rec.GatewayResponse
	}

	status, ok := ParseStatus(rec.Status)
	if !ok {
		t.notifyErr(fmt.Errorf("unknown payment status %q", rec.Status))
		return
	}
	if status == t.snap.Status || status.rank() < t.snap.Status.rank() {
		return
	}

	prev := t.snap.Status
	t.snap.Status = status
	t.logger.Info("payment status changed",
		"reference", t.snap.Reference,
		"from", prev,
		"to", status,
	)
	snap := t.snapshotLocked()
	t.notify(t.observer.OnStatusChange, snap)

	switch status {
	case StatusCompleted:
		t.notify(t.observer.OnComplete, snap)
		t.endLocked(StopCompleted)
	case StatusFailed, StatusCancelled:
		t.notify(t.observer.OnFailure, snap)
		t.endLocked(StopCompleted)
	}
}

func (t *Tracker) tickLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(t.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.current != s {
				t.mu.Unlock()
				return
			}
			snap := t.snapshotLocked()
			t.notifyTick(snap.Elapsed, snap.TimeoutWarning)
			t.checkDeadlineLocked()
			t.mu.Unlock()
			t.dispatch()
		}
	}
}

// checkDeadlineLocked ends the session once the tracking deadline passes.
// The last observed status is kept.
func (t *Tracker) checkDeadlineLocked() {
	if t.current == nil || t.snap.Status.Terminal() {
		return
	}
	if t.now().Sub(t.snap.TrackingStartTime) < t.opts.MaxTrackingTime {
		return
	}
	t.logger.Warn("payment tracking timed out",
		"reference", t.snap.Reference,
		"status", t.snap.Status,
	)
	t.endLocked(StopTimeout)
}

// abandon stops a session whose parent context went away.
func (t *Tracker) abandon(s *session) {
	t.mu.Lock()
	if t.current == s {
		t.endLocked(StopCancelled)
	}
	t.mu.Unlock()
	t.dispatch()
}

// endLocked tears down the current session and queues the final
// notifications. Every stop path goes through here.
func (t *Tracker) endLocked(reason StopReason) {
	s := t.current
	t.current = nil
	s.cancel()

	t.snap.Elapsed = t.now().Sub(t.snap.TrackingStartTime)
	t.snap.StopReason = reason
	if (reason == StopCancelled || reason == StopRestarted) && !t.snap.Status.Terminal() {
		t.snap.Status = StatusCancelled
		t.snap.LastUpdated = t.stampLocked()
		snap := t.snapshotLocked()
		t.notify(t.observer.OnStatusChange, snap)
		t.notify(t.observer.OnFailure, snap)
	}
	t.snap.Tracking = false
	t.snap.Paused = false

	t.logger.Info("payment tracking stopped",
		"reference", t.snap.Reference,
		"reason", reason,
		"status", t.snap.Status,
		"elapsed", t.snap.Elapsed,
	)
	t.notify(t.observer.OnStop, t.snapshotLocked())
}

// stampLocked returns a timestamp strictly after the previous LastUpdated.
func (t *Tracker) stampLocked() time.Time {
	now := t.now()
	if !now.After(t.snap.LastUpdated) {
		now = t.snap.LastUpdated.Add(time.Nanosecond)
	}
	return now
}

func (t *Tracker) notify(f func(Snapshot), snap Snapshot) {
	if f != nil {
		t.queue = append(t.queue, func() { f(snap) })
	}
}

func (t *Tracker) notifyErr(err error) {
	if f := t.observer.OnError; f != nil {
		t.queue = append(t.queue, func() { f(err) })
	}
}

func (t *Tracker) notifyTick(elapsed time.Duration, warning bool) {
	if f := t.observer.OnTick; f != nil {
		t.queue = append(t.queue, func() { f(elapsed, warning) })
	}
}

// dispatch delivers queued notifications outside the lock. Only one goroutine
// delivers at a time, so callbacks never overlap and keep their order.
func (t *Tracker) dispatch() {
	t.mu.Lock()
	if t.dispatching {
		t.mu.Unlock()
		return
	}
	t.dispatching = true
	for len(t.queue) > 0 {
		fn := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()
		t.call(fn)
		t.mu.Lock()
	}
	t.dispatching = false
	t.mu.Unlock()
}

func (t *Tracker) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tracker observer panicked", "panic", r)
		}
	}()
	fn()
}
