package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"paycore/internal/common/events"
	"paycore/internal/common/metrics"
	"paycore/internal/tracker"
)

// ErrTrackingClosed is returned by Track after Close.
var ErrTrackingClosed = errors.New("payment tracking is shut down")

const (
	subscriberBuffer = 16
	finishedRetained = 1024
	persistTimeout   = 5 * time.Second
)

// Watcher runs one status tracker per initiated mobile-money payment and
// fans its snapshots out to the store, the broker and live subscribers.
type Watcher struct {
	querier   tracker.Querier
	opts      tracker.Options
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	active   map[string]*tracker.Tracker
	finished map[string]tracker.Snapshot
	order    []string
	subs     map[string]map[chan tracker.Snapshot]struct{}
}

// NewWatcher creates a watcher. store, publisher and m may be nil.
func NewWatcher(querier tracker.Querier, opts tracker.Options, store Store, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		querier:   querier,
		opts:      opts,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*tracker.Tracker),
		finished:  make(map[string]tracker.Snapshot),
		subs:      make(map[string]map[chan tracker.Snapshot]struct{}),
	}
}

// Track starts following reference. Tracking a reference that is already
// followed restarts its session.
func (w *Watcher) Track(reference string) error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return ErrTrackingClosed
	}
	tr, ok := w.active[reference]
	if !ok {
		tr = tracker.New(w.querier, w.opts, w.observer(reference), w.logger)
		w.active[reference] = tr
		delete(w.finished, reference)
	}
	w.mu.Unlock()

	if err := tr.Start(w.ctx, reference); err != nil {
		w.mu.Lock()
		if w.active[reference] == tr {
			delete(w.active, reference)
		}
		w.mu.Unlock()
		return err
	}
	w.metrics.TrackingStarted()
	return nil
}

// Snapshot returns the live or final snapshot for reference.
func (w *Watcher) Snapshot(reference string) (tracker.Snapshot, bool) {
	w.mu.Lock()
	tr, ok := w.active[reference]
	if !ok {
		snap, done := w.finished[reference]
		w.mu.Unlock()
		return snap, done
	}
	w.mu.Unlock()
	return tr.Snapshot(), true
}

// Stop cancels tracking of reference and reports whether it was active.
func (w *Watcher) Stop(reference string) bool {
	return w.withActive(reference, (*tracker.Tracker).Stop)
}

// Pause suspends status polling for reference; elapsed time keeps being
// reported. It reports whether the reference was active.
func (w *Watcher) Pause(reference string) bool {
	return w.withActive(reference, (*tracker.Tracker).Pause)
}

// Resume re-enables polling after Pause.
func (w *Watcher) Resume(reference string) bool {
	return w.withActive(reference, (*tracker.Tracker).Resume)
}

func (w *Watcher) withActive(reference string, fn func(*tracker.Tracker)) bool {
	w.mu.Lock()
	tr, ok := w.active[reference]
	w.mu.Unlock()
	if !ok {
		return false
	}
	fn(tr)
	return true
}

// Active returns the number of payments being tracked.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Subscribe returns a channel of snapshots for reference. The channel is
// closed when tracking stops or cancel is called. The boolean is false when
// the reference is unknown; a finished session yields its final snapshot.
func (w *Watcher) Subscribe(reference string) (<-chan tracker.Snapshot, func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan tracker.Snapshot, subscriberBuffer)
	tr, ok := w.active[reference]
	if !ok {
		snap, done := w.finished[reference]
		if !done {
			return nil, func() {}, false
		}
		ch <- snap
		close(ch)
		return ch, func() {}, true
	}

	set := w.subs[reference]
	if set == nil {
		set = make(map[chan tracker.Snapshot]struct{})
		w.subs[reference] = set
	}
	set[ch] = struct{}{}
	ch <- tr.Snapshot()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if set, ok := w.subs[reference]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
			}
		})
	}
	return ch, cancel, true
}

// Close stops every session without recording them as cancelled.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closing = true
	trackers := make([]*tracker.Tracker, 0, len(w.active))
	for _, tr := range w.active {
		trackers = append(trackers, tr)
	}
	w.mu.Unlock()

	for _, tr := range trackers {
		tr.Stop()
	}
	w.cancel()
}

func (w *Watcher) observer(reference string) tracker.Observer {
	return tracker.Observer{
		OnStatusChange: func(s tracker.Snapshot) {
			if s.StopReason == tracker.StopRestarted {
				return
			}
			w.broadcast(s)
			if w.isClosing() {
				return
			}
			w.persist(s)
			w.emit(events.EventPaymentStatusChanged, s)
		},
		OnComplete: func(s tracker.Snapshot) {
			w.emit(events.EventPaymentCompleted, s)
		},
		OnFailure: func(s tracker.Snapshot) {
			if s.StopReason == tracker.StopRestarted || w.isClosing() {
				return
			}
			w.emit(events.EventPaymentFailed, s)
		},
		OnStop: func(s tracker.Snapshot) {
			w.finish(reference, s)
			w.metrics.TrackingStopped(string(s.Status), string(s.StopReason))
			if s.StopReason != tracker.StopRestarted && !w.isClosing() {
				w.emit(events.EventTrackingStopped, s)
			}
		},
		OnTick: func(time.Duration, bool) {
			if snap, ok := w.Snapshot(reference); ok && snap.Tracking {
				w.broadcast(snap)
			}
		},
		OnError: func(err error) {
			w.logger.Debug("status poll failed", "reference", reference, "error", err)
		},
	}
}

func (w *Watcher) isClosing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closing
}

// finish retires a stopped session and closes its subscribers. Retiring and
// closing happen under one lock so a concurrent Subscribe either is closed
// here or sees the finished snapshot.
func (w *Watcher) finish(reference string, s tracker.Snapshot) {
	if s.StopReason == tracker.StopRestarted {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcastLocked(s, true)
	if tr, ok := w.active[reference]; ok && !tr.Tracking() {
		delete(w.active, reference)
	}
	if _, seen := w.finished[reference]; !seen {
		w.order = append(w.order, reference)
	}
	w.finished[reference] = s
	for len(w.order) > finishedRetained {
		delete(w.finished, w.order[0])
		w.order = w.order[1:]
	}
}

func (w *Watcher) broadcast(s tracker.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcastLocked(s, false)
}

// broadcastLocked delivers s to subscribers without blocking; a full
// subscriber misses the update. final closes every subscriber.
func (w *Watcher) broadcastLocked(s tracker.Snapshot, final bool) {
	set := w.subs[s.Reference]
	for ch := range set {
		select {
		case ch <- s:
		default:
		}
		if final {
			close(ch)
		}
	}
	if final {
		delete(w.subs, s.Reference)
	}
}

func (w *Watcher) persist(s tracker.Snapshot) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := w.store.UpdateStatus(ctx, StatusUpdate{
		Reference:       s.Reference,
		Status:          string(s.Status),
		TransactionID:   s.TransactionID,
		PaidAt:          s.PaidAt,
		GatewayResponse: s.GatewayResponse,
	})
	if err != nil {
		w.logger.Error("failed to persist payment status",
			"reference", s.Reference,
			"status", s.Status,
			"error", err,
		)
	}
}

func (w *Watcher) emit(eventType string, s tracker.Snapshot) {
	if w.publisher == nil {
		return
	}
	evt, err := statusEvent(eventType, s)
	if err != nil {
		w.logger.Error("failed to build status event", "reference", s.Reference, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.publisher.Publish(ctx, evt); err != nil {
		w.logger.Warn("failed to publish status event", "type", eventType, "reference", s.Reference, "error", err)
	}
}
