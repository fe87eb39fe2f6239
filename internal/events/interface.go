package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventBus is the publish/subscribe interface injected into every
// component that emits or consumes events.
type EventBus interface {
	// Publish enqueues an event, failing when the buffer is full.
	Publish(ctx context.Context, event Event) error

	// PublishAsync enqueues an event best-effort; a full buffer drops
	// the event and bumps the drop counter.
	PublishAsync(event Event) error

	// Subscribe registers a handler for events matching the filter.
	Subscribe(ctx context.Context, filter EventFilter, handler EventHandler) (*Subscription, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(subscriptionID string) error

	// GetSubscriptions returns all active subscriptions.
	GetSubscriptions() []*Subscription

	// GetRecentEvents returns up to limit of the most recent events,
	// newest last.
	GetRecentEvents(limit int) []Event

	// GetStats returns bus statistics.
	GetStats() EventStats

	// Start begins event processing.
	Start(ctx context.Context) error

	// Stop shuts the bus down, waiting for the processor until the
	// context expires.
	Stop(ctx context.Context) error

	// Health reports whether the bus is running and keeping up.
	Health() error
}

// NewEvent creates an event with defaults applied.
func NewEvent(eventType EventType, source, title, message string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Title:     title,
		Message:   message,
		Data:      make(map[string]interface{}),
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
	}
}

// NewEventWithData creates an event carrying structured data.
func NewEventWithData(eventType EventType, source, title, message string, data map[string]interface{}) Event {
	event := NewEvent(eventType, source, title, message)
	event.Data = data
	return event
}

// NewSystemEvent creates an event attributed to the system itself.
func NewSystemEvent(eventType EventType, title, message string) Event {
	return NewEvent(eventType, "system", title, message)
}

// MatchesFilter checks if an event matches the given filter.
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Sources) > 0 {
		found := false
		for _, s := range filter.Sources {
			if event.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Tags) > 0 {
		found := false
		for _, filterTag := range filter.Tags {
			for _, eventTag := range event.Tags {
				if eventTag == filterTag {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Priority != nil && event.Priority < *filter.Priority {
		return false
	}

	return true
}

// FilterEvents returns the events matching the filter, preserving
// order.
func FilterEvents(events []Event, filter EventFilter) []Event {
	var filtered []Event
	for _, event := range events {
		if MatchesFilter(event, filter) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
