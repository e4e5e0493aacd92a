// Package events provides an in-process event bus used to fan runner update
// frames out to cross-runner subscribers (the presentation layer, activity
// loggers) without each subscriber having to track every active runner.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oie-systems/stream-engine/internal/runner"
)

// EventType defines the category of event flowing through the bus.
type EventType string

const (
	EventTypeRunnerUpdate EventType = "runner_update"
)

// Event is the interface all published events satisfy.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides the common Event fields.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func generateEventID() string {
	return uuid.New().String()
}

// RunnerUpdateEvent carries one runner's broadcast frame, tagged with the
// (symbol, timeframe) it came from so a cross-runner subscriber can tell
// streams apart.
type RunnerUpdateEvent struct {
	BaseEvent
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Frame     runner.Frame `json:"frame"`
}

// NewRunnerUpdateEvent builds a RunnerUpdateEvent for symbol/timeframe.
func NewRunnerUpdateEvent(symbol, timeframe string, frame runner.Frame) *RunnerUpdateEvent {
	return &RunnerUpdateEvent{
		BaseEvent: BaseEvent{
			ID:        generateEventID(),
			Type:      EventTypeRunnerUpdate,
			Timestamp: time.Now(),
		},
		Symbol:    symbol,
		Timeframe: timeframe,
		Frame:     frame,
	}
}

// EventHandler processes one event.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a handler.
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior.
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool
}

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether the subscription is still receiving events.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus throughput and handler latency.
type EventBusStats struct {
	EventsPublished  int64         `json:"eventsPublished"`
	EventsProcessed  int64         `json:"eventsProcessed"`
	EventsDropped    int64         `json:"eventsDropped"`
	ProcessingErrors int64         `json:"processingErrors"`
	P99Latency       time.Duration `json:"p99Latency"`
}

// EventBus is the central fan-out point for cross-runner update events.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished  atomic.Int64
	eventsProcessed  atomic.Int64
	eventsDropped    atomic.Int64
	processingErrors atomic.Int64

	latencies []int64
	latencyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// EventBusConfig configures the event bus.
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults for a single-process bus
// fanning out runner updates; throughput here is bounded by the number of
// active runners, not by market tick rate, so this stays modest.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 4,
		BufferSize: 4096,
	}
}

// NewEventBus creates and starts an EventBus.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	workerCount := config.NumWorkers
	if workerCount <= 0 {
		workerCount = 4
	}
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, bufferSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("eventbus"),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	deliver := func(sub *Subscription) {
		if !sub.active.Load() {
			return
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			return
		}
		if sub.Options.Async {
			go eb.executeHandler(sub, event)
		} else {
			eb.executeHandler(sub, event)
		}
	}
	for _, sub := range subs {
		deliver(sub)
	}
	for _, sub := range allSubs {
		deliver(sub)
	}

	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscriptionId", sub.ID), zap.Any("panic", r))
		}
	}()
	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error", zap.String("subscriptionId", sub.ID), zap.Error(err))
	}
}

func (eb *EventBus) trackLatency(ns int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()
	eb.latencies = append(eb.latencies, ns)
	if len(eb.latencies) > 2000 {
		eb.latencies = eb.latencies[1000:]
	}
}

// SubscribeAll registers a handler that receives every published event,
// regardless of type. Used by cross-runner consumers like the presentation
// layer's single websocket fan-out.
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{ID: generateEventID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription; already-queued events for it are
// still dropped silently rather than delivered.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// Publish sends an event to all subscribers; if the buffer is full the event
// is dropped and counted rather than blocking the publisher.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("eventType", string(event.GetType())))
	}
}

// GetStats returns current bus throughput and latency statistics.
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:  eb.eventsPublished.Load(),
		EventsProcessed:  eb.eventsProcessed.Load(),
		EventsDropped:    eb.eventsDropped.Load(),
		ProcessingErrors: eb.processingErrors.Load(),
		P99Latency:       eb.p99Latency(),
	}
}

func (eb *EventBus) p99Latency() time.Duration {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()
	if len(eb.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// Stop shuts the bus down, waiting up to 5s for in-flight workers to drain.
func (eb *EventBus) Stop() {
	eb.cancel()
	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus shutdown timed out")
	}
}
