package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 1)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	bus.Subscribe(EventTypeJobStarted, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		close(done)
	})

	job := &types.Job{ID: "job_1", Type: types.JobBackfill, Status: types.JobRunning}
	if !bus.Publish(NewJobEvent(EventTypeJobStarted, job)) {
		t.Fatal("publish should succeed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	je, ok := got[0].(*JobEvent)
	if !ok || je.Job.ID != "job_1" {
		t.Errorf("unexpected event payload: %+v", got[0])
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 1)
	defer bus.Close()

	var count sync.WaitGroup
	count.Add(2)
	bus.SubscribeAll(func(ev Event) { count.Done() })

	bus.Publish(NewAlertEvent("warning", "ratelimit", "stress circuit open"))
	bus.Publish(NewDecisionEvent(&types.Decision{ID: "dec_1"}, nil))

	done := make(chan struct{})
	go func() { count.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("all-subscriber missed events")
	}
}

func TestTypedSubscriberDoesNotSeeOtherTypes(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 1)

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(EventTypeSignal, func(ev Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	bus.Publish(NewAlertEvent("info", "test", "noise"))
	bus.Publish(NewDecisionEvent(&types.Decision{ID: "d"}, nil)) // decision, not signal
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("signal subscriber saw %d foreign events", calls)
	}
}

func TestDecisionEventTypeReflectsSignal(t *testing.T) {
	plain := NewDecisionEvent(&types.Decision{ID: "d1"}, nil)
	if plain.GetType() != EventTypeDecision {
		t.Errorf("expected decision type, got %s", plain.GetType())
	}
	withSig := NewDecisionEvent(&types.Decision{ID: "d2"}, &types.TradeSignal{DecisionID: "d2"})
	if withSig.GetType() != EventTypeSignal {
		t.Errorf("expected signal type, got %s", withSig.GetType())
	}
}

func TestPanickingHandlerDoesNotKillBus(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 1)
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe(EventTypeAlert, func(ev Event) { panic("boom") })
	bus.Subscribe(EventTypeAlert, func(ev Event) { close(done) })

	bus.Publish(NewAlertEvent("critical", "test", "panic path"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler should still run after a panic")
	}
}

func TestDropWhenQueueFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1, 1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(EventTypeAlert, func(ev Event) { <-block })

	// First publish occupies the worker, the next fills the queue; one more
	// must be dropped.
	bus.Publish(NewAlertEvent("info", "t", "1"))
	time.Sleep(50 * time.Millisecond)
	bus.Publish(NewAlertEvent("info", "t", "2"))
	dropped := false
	for i := 0; i < 10; i++ {
		if !bus.Publish(NewAlertEvent("info", "t", "x")) {
			dropped = true
			break
		}
	}
	close(block)
	if !dropped {
		t.Error("expected a drop once the queue filled")
	}

	stats := bus.Stats()
	if stats.EventsDropped == 0 {
		t.Error("dropped counter should be non-zero")
	}
}
