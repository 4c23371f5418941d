package payment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"paycore/internal/common/events"
	"paycore/internal/payment"
	"paycore/internal/payment/mocks"
	"paycore/internal/tracker"
)

func fastTracking() tracker.Options {
	return tracker.Options{
		PollInterval:    5 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
		MaxTrackingTime: 5 * time.Second,
	}
}

func pendingQuerier() tracker.Querier {
	return tracker.QuerierFunc(func(_ context.Context, reference string) (*tracker.Record, error) {
		return &tracker.Record{Status: "pending", Reference: reference}, nil
	})
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) publish(_ context.Context, e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
	return nil
}

func (l *eventLog) has(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatcher_SubscribeUntilSettled(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	querier := tracker.QuerierFunc(func(_ context.Context, reference string) (*tracker.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch {
		case calls < 3:
			return &tracker.Record{Status: "processing", Reference: reference}, nil
		default:
			return &tracker.Record{Status: "completed", Reference: reference, TransactionID: reference}, nil
		}
	})

	w := payment.NewWatcher(querier, fastTracking(), nil, nil, nil, testLogger())
	defer w.Close()

	if err := w.Track("TXN1"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	ch, cancel, ok := w.Subscribe("TXN1")
	if !ok {
		t.Fatal("expected subscription for tracked reference")
	}
	defer cancel()

	var last tracker.Snapshot
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case snap, open := <-ch:
			if !open {
				done = true
				break
			}
			last = snap
		case <-timeout:
			t.Fatal("subscription was not closed after completion")
		}
	}

	if last.Status != tracker.StatusCompleted || last.Tracking {
		t.Fatalf("last snapshot %+v, want completed and stopped", last)
	}
	if last.StopReason != tracker.StopCompleted {
		t.Fatalf("stop reason %q", last.StopReason)
	}

	waitFor(t, "session retirement", func() bool { return w.Active() == 0 })

	ch, _, ok = w.Subscribe("TXN1")
	if !ok {
		t.Fatal("finished reference should still be subscribable")
	}
	if snap := <-ch; snap.Status != tracker.StatusCompleted {
		t.Fatalf("replayed snapshot %+v", snap)
	}
	if _, open := <-ch; open {
		t.Fatal("finished subscription should be closed after the final snapshot")
	}
}

func TestWatcher_SubscribeUnknown(t *testing.T) {
	w := payment.NewWatcher(pendingQuerier(), fastTracking(), nil, nil, nil, testLogger())
	defer w.Close()

	if _, _, ok := w.Subscribe("nope"); ok {
		t.Fatal("expected no subscription for unknown reference")
	}
	if w.Stop("nope") {
		t.Fatal("Stop reported an unknown reference as active")
	}
}

func TestWatcher_StopRecordsCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)
	pub := mocks.NewMockPublisher(ctrl)
	log := &eventLog{}

	var (
		mu       sync.Mutex
		statuses []string
	)
	store.EXPECT().UpdateStatus(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u payment.StatusUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, u.Status)
		return nil
	}).AnyTimes()
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(log.publish).AnyTimes()

	w := payment.NewWatcher(pendingQuerier(), fastTracking(), store, pub, nil, testLogger())
	defer w.Close()

	if err := w.Track("TXN2"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	waitFor(t, "first status", func() bool {
		snap, _ := w.Snapshot("TXN2")
		return snap.Status == tracker.StatusQueued
	})

	if !w.Stop("TXN2") {
		t.Fatal("Stop should report an active session")
	}
	waitFor(t, "tracking_stopped event", func() bool { return log.has(events.EventTrackingStopped) })

	snap, ok := w.Snapshot("TXN2")
	if !ok || snap.Status != tracker.StatusCancelled || snap.StopReason != tracker.StopCancelled {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[1] != "cancelled" {
		t.Fatalf("persisted statuses %v, want queued then cancelled", statuses)
	}
	if !log.has(events.EventPaymentFailed) {
		t.Fatal("expected payment.failed for a cancelled session")
	}
}

func TestWatcher_CloseDoesNotRecordCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	store.EXPECT().UpdateStatus(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u payment.StatusUpdate) error {
		if u.Status == string(tracker.StatusCancelled) {
			t.Errorf("shutdown persisted a cancellation for %s", u.Reference)
		}
		return nil
	}).AnyTimes()

	w := payment.NewWatcher(pendingQuerier(), fastTracking(), store, nil, nil, testLogger())
	if err := w.Track("TXN3"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	waitFor(t, "first status", func() bool {
		snap, _ := w.Snapshot("TXN3")
		return snap.Status == tracker.StatusQueued
	})

	w.Close()
	waitFor(t, "sessions to stop", func() bool { return w.Active() == 0 })

	if err := w.Track("TXN4"); !errors.Is(err, payment.ErrTrackingClosed) {
		t.Fatalf("Track after Close: %v", err)
	}
}

func TestWatcher_TrackRestartsSession(t *testing.T) {
	w := payment.NewWatcher(pendingQuerier(), fastTracking(), nil, nil, nil, testLogger())
	defer w.Close()

	if err := w.Track("TXN5"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := w.Track("TXN5"); err != nil {
		t.Fatalf("second Track: %v", err)
	}
	if w.Active() != 1 {
		t.Fatalf("active sessions = %d, want 1", w.Active())
	}
	snap, ok := w.Snapshot("TXN5")
	if !ok || !snap.Tracking {
		t.Fatalf("restarted session should be tracking: %+v", snap)
	}
}

func TestWatcher_SubscribeRacingStopIsAlwaysClosed(t *testing.T) {
	w := payment.NewWatcher(pendingQuerier(), fastTracking(), nil, nil, nil, testLogger())
	defer w.Close()

	for i := 0; i < 50; i++ {
		reference := fmt.Sprintf("RACE%d", i)
		if err := w.Track(reference); err != nil {
			t.Fatalf("Track: %v", err)
		}

		subscribed := make(chan (<-chan tracker.Snapshot), 1)
		go func() {
			ch, _, ok := w.Subscribe(reference)
			if !ok {
				ch = nil
			}
			subscribed <- ch
		}()
		w.Stop(reference)

		ch := <-subscribed
		if ch == nil {
			t.Fatalf("%s: subscription refused for a known reference", reference)
		}
		timeout := time.After(2 * time.Second)
		for open := true; open; {
			select {
			case _, open = <-ch:
			case <-timeout:
				t.Fatalf("%s: subscriber was never closed after stop", reference)
			}
		}
	}
}

func TestWatcher_SubscribeAfterStop(t *testing.T) {
	w := payment.NewWatcher(pendingQuerier(), fastTracking(), nil, nil, nil, testLogger())
	defer w.Close()

	if err := w.Track("TXN6"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	w.Stop("TXN6")
	waitFor(t, "session to retire", func() bool { return w.Active() == 0 })

	ch, _, ok := w.Subscribe("TXN6")
	if !ok {
		t.Fatal("finished reference should be subscribable")
	}
	snap, open := <-ch
	if !open || snap.StopReason != tracker.StopCancelled {
		t.Fatalf("expected final snapshot, got %+v open=%v", snap, open)
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after the final snapshot")
	}
}

func TestWatcher_PauseAndResume(t *testing.T) {
	var polls atomic.Int32
	querier := tracker.QuerierFunc(func(_ context.Context, reference string) (*tracker.Record, error) {
		polls.Add(1)
		return &tracker.Record{Status: "pending", Reference: reference}, nil
	})
	w := payment.NewWatcher(querier, fastTracking(), nil, nil, nil, testLogger())
	defer w.Close()

	if w.Pause("nope") || w.Resume("nope") {
		t.Fatal("pause and resume should report unknown references")
	}
	if err := w.Track("TXN10"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	waitFor(t, "first poll", func() bool { return polls.Load() > 0 })

	if !w.Pause("TXN10") {
		t.Fatal("Pause should report an active session")
	}
	snap, _ := w.Snapshot("TXN10")
	if !snap.Paused {
		t.Fatalf("snapshot should be paused: %+v", snap)
	}
	time.Sleep(20 * time.Millisecond)
	paused := polls.Load()
	time.Sleep(50 * time.Millisecond)
	if polls.Load() != paused {
		t.Fatalf("polled %d times while paused", polls.Load()-paused)
	}

	w.Resume("TXN10")
	waitFor(t, "polling to resume", func() bool { return polls.Load() > paused })
}
