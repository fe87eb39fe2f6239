package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metrics"
)

var (
	// ErrBusNotRunning is returned by operations on a stopped bus.
	ErrBusNotRunning = errors.New("event bus is not running")

	// ErrBufferFull is returned when the publish buffer is saturated.
	ErrBufferFull = errors.New("event buffer full")

	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown IDs.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// eventBus implements EventBus with a buffered channel drained by a
// single processor goroutine.
type eventBus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	eventChannel  chan Event
	running       bool
	wg            sync.WaitGroup

	recentEvents []Event
	stats        EventStats
}

// NewEventBus creates an event bus with the given configuration.
func NewEventBus(config BusConfig) EventBus {
	if config.BufferSize < 1 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}
	if config.RecentLimit < 1 {
		config.RecentLimit = DefaultBusConfig().RecentLimit
	}
	return &eventBus{
		config:        config,
		subscriptions: make(map[string]*Subscription),
		eventChannel:  make(chan Event, config.BufferSize),
		recentEvents:  make([]Event, 0, config.RecentLimit),
		stats: EventStats{
			EventsByType:   make(map[string]int64),
			EventsBySource: make(map[string]int64),
		},
	}
}

// Start begins event processing.
func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}

	eb.running = true

	eb.wg.Add(1)
	go eb.processEvents(ctx)

	logger.Info("Event bus started (buffer=%d)", eb.config.BufferSize)
	return nil
}

// Stop stops the event bus, draining the processor until the context
// expires.
func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	eb.mu.Unlock()

	// Publishers observe running=false before this close; the
	// processor drains whatever is still buffered.
	close(eb.eventChannel)

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Event bus stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Event bus stop timed out")
		return ctx.Err()
	}
}

// Publish enqueues an event, failing when the buffer is full.
func (eb *eventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return eb.enqueue(event)
}

// PublishAsync enqueues an event best-effort, dropping it when the
// buffer is full.
func (eb *eventBus) PublishAsync(event Event) error {
	return eb.enqueue(event)
}

// enqueue validates the event and performs a non-blocking send. The
// read lock is held across the send so Stop cannot close the channel
// underneath a publisher.
func (eb *eventBus) enqueue(event Event) error {
	if err := prepare(&event); err != nil {
		return err
	}

	eb.mu.RLock()
	if !eb.running {
		eb.mu.RUnlock()
		return ErrBusNotRunning
	}
	select {
	case eb.eventChannel <- event:
		eb.mu.RUnlock()
		return nil
	default:
		eb.mu.RUnlock()
		eb.recordDrop(event)
		return ErrBufferFull
	}
}

func prepare(event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == "" {
		return fmt.Errorf("invalid event: type is required")
	}
	if event.Source == "" {
		return fmt.Errorf("invalid event: source is required")
	}
	return nil
}

func (eb *eventBus) recordDrop(event Event) {
	eb.mu.Lock()
	eb.stats.DroppedEvents++
	eb.mu.Unlock()
	metrics.EventsDroppedTotal.Inc()
	logger.Warn("Event buffer full, dropping event type=%s id=%s", event.Type, event.ID)
}

// Subscribe registers a handler for events matching the filter.
func (eb *eventBus) Subscribe(ctx context.Context, filter EventFilter, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{
		ID:         "sub-" + uuid.New().String(),
		Filter:     filter,
		Handler:    handler,
		Subscriber: "system",
		Created:    time.Now(),
	}
	eb.subscriptions[sub.ID] = sub

	logger.Debug("Subscription created id=%s types=%v", sub.ID, filter.Types)
	return sub, nil
}

// Unsubscribe removes a subscription.
func (eb *eventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, ok := eb.subscriptions[subscriptionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
	}
	delete(eb.subscriptions, subscriptionID)

	logger.Debug("Subscription removed id=%s", subscriptionID)
	return nil
}

// GetSubscriptions returns all active subscriptions.
func (eb *eventBus) GetSubscriptions() []*Subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subs := make([]*Subscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// GetRecentEvents returns up to limit of the most recent events,
// newest last.
func (eb *eventBus) GetRecentEvents(limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > len(eb.recentEvents) {
		limit = len(eb.recentEvents)
	}
	out := make([]Event, limit)
	copy(out, eb.recentEvents[len(eb.recentEvents)-limit:])
	return out
}

// GetStats returns bus statistics.
func (eb *eventBus) GetStats() EventStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stats := EventStats{
		TotalEvents:         eb.stats.TotalEvents,
		DroppedEvents:       eb.stats.DroppedEvents,
		EventsByType:        make(map[string]int64, len(eb.stats.EventsByType)),
		EventsBySource:      make(map[string]int64, len(eb.stats.EventsBySource)),
		ActiveSubscriptions: len(eb.subscriptions),
	}
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsBySource {
		stats.EventsBySource[k] = v
	}
	return stats
}

// Health reports whether the bus is running and keeping up.
func (eb *eventBus) Health() error {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		return ErrBusNotRunning
	}
	usage := float64(len(eb.eventChannel)) / float64(cap(eb.eventChannel))
	if usage > 0.9 {
		return fmt.Errorf("event buffer is %d%% full", int(usage*100))
	}
	return nil
}

func (eb *eventBus) processEvents(ctx context.Context) {
	defer eb.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eb.eventChannel:
			if !ok {
				return
			}
			eb.handleEvent(event)
		}
	}
}

func (eb *eventBus) handleEvent(event Event) {
	eb.mu.Lock()
	eb.recentEvents = append(eb.recentEvents, event)
	if len(eb.recentEvents) > eb.config.RecentLimit {
		eb.recentEvents = eb.recentEvents[1:]
	}

	eb.stats.TotalEvents++
	eb.stats.EventsByType[string(event.Type)]++
	eb.stats.EventsBySource[event.Source]++

	var matching []*Subscription
	for _, sub := range eb.subscriptions {
		if MatchesFilter(event, sub.Filter) {
			matching = append(matching, sub)
		}
	}
	eb.mu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	for _, sub := range matching {
		eb.notifySubscriber(sub, event)
	}
}

// notifySubscriber delivers one event to one handler. A panicking or
// failing handler is logged and never interrupts delivery to others.
func (eb *eventBus) notifySubscriber(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in event handler subscription=%s event=%s: %v", sub.ID, event.ID, r)
		}
	}()

	if err := sub.Handler(event); err != nil {
		logger.Error("Event handler error subscription=%s event=%s: %v", sub.ID, event.ID, err)
		return
	}

	eb.mu.Lock()
	sub.TriggerCount++
	now := time.Now()
	sub.LastTriggered = &now
	eb.mu.Unlock()
}
