// Package events provides the in-process event bus for the trading engine.
// Job lifecycle transitions, decisions, signals, and alerts are published
// here and fanned out to subscribers (websocket broadcast, metrics, logs).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/meridianfx/trading-engine/pkg/utils"
)

// EventType defines the category of event
type EventType string

const (
	// Job lifecycle events
	EventTypeJobSubmitted EventType = "job_submitted"
	EventTypeJobStarted   EventType = "job_started"
	EventTypeJobCompleted EventType = "job_completed"
	EventTypeJobFailed    EventType = "job_failed"
	EventTypeJobCancelled EventType = "job_cancelled"

	// Strategy events
	EventTypeDecision EventType = "decision"
	EventTypeSignal   EventType = "signal"

	// Ledger events
	EventTypePosition EventType = "position"
	EventTypeBalance  EventType = "balance"

	// System events
	EventTypeAlert EventType = "alert"
	EventTypeError EventType = "error"
)

// Event is the base interface for all bus events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a new base event with generated ID and timestamp
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        utils.GenerateID("ev"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// JobEvent signals a job lifecycle transition
type JobEvent struct {
	BaseEvent
	Job *types.Job `json:"job"`
}

// NewJobEvent wraps a job state change
func NewJobEvent(eventType EventType, job *types.Job) *JobEvent {
	return &JobEvent{BaseEvent: NewBaseEvent(eventType), Job: job}
}

// DecisionEvent signals a persisted strategy decision
type DecisionEvent struct {
	BaseEvent
	Decision *types.Decision    `json:"decision"`
	Signal   *types.TradeSignal `json:"signal,omitempty"`
}

// NewDecisionEvent wraps a strategy decision (and its signal, if any)
func NewDecisionEvent(decision *types.Decision, signal *types.TradeSignal) *DecisionEvent {
	t := EventTypeDecision
	if signal != nil {
		t = EventTypeSignal
	}
	return &DecisionEvent{BaseEvent: NewBaseEvent(t), Decision: decision, Signal: signal}
}

// AlertEvent signals an operational condition needing attention
type AlertEvent struct {
	BaseEvent
	Severity string `json:"severity"` // "info", "warning", "critical"
	Source   string `json:"source"`
	Message  string `json:"message"`
}

// NewAlertEvent creates an operational alert
func NewAlertEvent(severity, source, message string) *AlertEvent {
	return &AlertEvent{
		BaseEvent: NewBaseEvent(EventTypeAlert),
		Severity:  severity,
		Source:    source,
		Message:   message,
	}
}

// EventHandler processes events delivered by the bus
type EventHandler func(event Event)

// Subscription represents an active handler registration
type Subscription struct {
	ID        string
	EventType EventType
	handler   EventHandler
	all       bool
}

// BusStats reports bus throughput counters
type BusStats struct {
	EventsPublished int64 `json:"eventsPublished"`
	EventsDropped   int64 `json:"eventsDropped"`
	Subscribers     int   `json:"subscribers"`
}

// Bus fans events out to subscribers through a worker pool. Publish never
// blocks the caller; events are dropped (and counted) when the queue is full.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[EventType][]*Subscription
	allSubs     []*Subscription

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates and starts an event bus.
func NewBus(logger *zap.Logger, queueSize, workers int) *Bus {
	if queueSize < 1 {
		queueSize = 1024
	}
	if workers < 1 {
		workers = 2
	}
	b := &Bus{
		logger:      logger.Named("events"),
		subscribers: make(map[EventType][]*Subscription),
		queue:       make(chan Event, queueSize),
		done:        make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subscribers[ev.GetType()]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("subscription", sub.ID),
						zap.String("eventType", string(ev.GetType())),
						zap.Any("panic", r))
				}
			}()
			sub.handler(ev)
		}()
	}
}

// Publish enqueues an event without blocking. Returns false when the queue
// is full and the event was dropped.
func (b *Bus) Publish(ev Event) bool {
	select {
	case b.queue <- ev:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, queue full",
			zap.String("eventType", string(ev.GetType())))
		return false
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        utils.GenerateID("sub"),
		EventType: eventType,
		handler:   handler,
	}
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:      utils.GenerateID("sub"),
		handler: handler,
		all:     true,
	}
	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a registration.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.all {
		b.allSubs = removeSub(b.allSubs, sub)
		return
	}
	b.subscribers[sub.EventType] = removeSub(b.subscribers[sub.EventType], sub)
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns current throughput counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	b.mu.RUnlock()
	return BusStats{
		EventsPublished: b.published.Load(),
		EventsDropped:   b.dropped.Load(),
		Subscribers:     n,
	}
}

// Close stops the workers after draining queued events.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}
