package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestBus(t *testing.T) EventBus {
	t.Helper()

	bus := NewEventBus(BusConfig{BufferSize: 64, RecentLimit: 10})
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		_ = bus.Stop(context.Background())
	})
	return bus
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return Event{}
	}
}

func TestEventBusDeliversToMatchingSubscriber(t *testing.T) {
	bus := startTestBus(t)

	received := make(chan Event, 8)
	_, err := bus.Subscribe(context.Background(), EventFilter{
		Types: []EventType{EventScanStarted},
	}, func(event Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanStarted, "scanner", "Scan started", "")))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanCompleted, "scanner", "Scan completed", "")))

	event := waitForEvent(t, received)
	assert.Equal(t, EventScanStarted, event.Type)
	assert.Equal(t, "scanner", event.Source)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())

	// The non-matching event must not arrive.
	select {
	case extra := <-received:
		t.Fatalf("unexpected delivery: %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBusEmptyFilterReceivesEverything(t *testing.T) {
	bus := startTestBus(t)

	received := make(chan Event, 8)
	_, err := bus.Subscribe(context.Background(), EventFilter{}, func(event Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanProgress, "scanner", "", "")))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventAnalysisCompleted, "pipeline", "", "")))

	first := waitForEvent(t, received)
	second := waitForEvent(t, received)
	assert.Equal(t, EventScanProgress, first.Type)
	assert.Equal(t, EventAnalysisCompleted, second.Type)
}

func TestEventBusPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := startTestBus(t)

	received := make(chan Event, 8)
	_, err := bus.Subscribe(context.Background(), EventFilter{}, func(event Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)

	_, err = bus.Subscribe(context.Background(), EventFilter{}, func(event Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanStarted, "scanner", "", "")))

	event := waitForEvent(t, received)
	assert.Equal(t, EventScanStarted, event.Type)
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := startTestBus(t)

	received := make(chan Event, 8)
	sub, err := bus.Subscribe(context.Background(), EventFilter{}, func(event Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanStarted, "scanner", "", "")))
	waitForEvent(t, received)

	require.NoError(t, bus.Unsubscribe(sub.ID))

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanStarted, "scanner", "", "")))
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}

	err = bus.Unsubscribe(sub.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestEventBusRecentEventsRing(t *testing.T) {
	bus := startTestBus(t)

	for i := 0; i < 25; i++ {
		event := NewEvent(EventScanProgress, "scanner", fmt.Sprintf("event %d", i), "")
		require.NoError(t, bus.Publish(context.Background(), event))
	}

	require.Eventually(t, func() bool {
		return bus.GetStats().TotalEvents == 25
	}, 2*time.Second, 10*time.Millisecond)

	// RecentLimit is 10, so only the newest ten survive, newest last.
	recent := bus.GetRecentEvents(0)
	require.Len(t, recent, 10)
	assert.Equal(t, "event 15", recent[0].Title)
	assert.Equal(t, "event 24", recent[9].Title)

	tail := bus.GetRecentEvents(3)
	require.Len(t, tail, 3)
	assert.Equal(t, "event 22", tail[0].Title)
	assert.Equal(t, "event 24", tail[2].Title)
}

func TestEventBusStats(t *testing.T) {
	bus := startTestBus(t)

	_, err := bus.Subscribe(context.Background(), EventFilter{}, func(event Event) error { return nil })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanStarted, "scanner", "", "")))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventScanCompleted, "scanner", "", "")))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventAnalysisStarted, "pipeline", "", "")))

	require.Eventually(t, func() bool {
		return bus.GetStats().TotalEvents == 3
	}, 2*time.Second, 10*time.Millisecond)

	stats := bus.GetStats()
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.EventsByType[string(EventScanStarted)])
	assert.Equal(t, int64(2), stats.EventsBySource["scanner"])
	assert.Equal(t, int64(1), stats.EventsBySource["pipeline"])
	assert.Equal(t, 1, stats.ActiveSubscriptions)
}

func TestEventBusPublishAfterStop(t *testing.T) {
	bus := NewEventBus(BusConfig{BufferSize: 8, RecentLimit: 4})
	require.NoError(t, bus.Start(context.Background()))
	require.NoError(t, bus.Stop(context.Background()))

	err := bus.Publish(context.Background(), NewEvent(EventScanStarted, "scanner", "", ""))
	assert.ErrorIs(t, err, ErrBusNotRunning)

	err = bus.PublishAsync(NewEvent(EventScanStarted, "scanner", "", ""))
	assert.ErrorIs(t, err, ErrBusNotRunning)

	// Stopping twice is harmless.
	assert.NoError(t, bus.Stop(context.Background()))
}

func TestEventBusPublishValidation(t *testing.T) {
	bus := startTestBus(t)

	err := bus.Publish(context.Background(), Event{Source: "scanner"})
	assert.ErrorContains(t, err, "type is required")

	err = bus.Publish(context.Background(), Event{Type: EventScanStarted})
	assert.ErrorContains(t, err, "source is required")
}

func TestEventBusHealth(t *testing.T) {
	bus := NewEventBus(BusConfig{BufferSize: 8, RecentLimit: 4})
	assert.ErrorIs(t, bus.Health(), ErrBusNotRunning)

	require.NoError(t, bus.Start(context.Background()))
	assert.NoError(t, bus.Health())
	require.NoError(t, bus.Stop(context.Background()))
}

func TestMatchesFilter(t *testing.T) {
	high := PriorityHigh
	event := Event{
		Type:     EventScanCompleted,
		Source:   "scanner",
		Priority: PriorityNormal,
		Tags:     []string{"library", "audio"},
	}

	tests := []struct {
		name    string
		filter  EventFilter
		matches bool
	}{
		{"empty filter matches", EventFilter{}, true},
		{"matching type", EventFilter{Types: []EventType{EventScanCompleted}}, true},
		{"non-matching type", EventFilter{Types: []EventType{EventScanStarted}}, false},
		{"matching source", EventFilter{Sources: []string{"scanner"}}, true},
		{"non-matching source", EventFilter{Sources: []string{"pipeline"}}, false},
		{"matching tag", EventFilter{Tags: []string{"audio"}}, true},
		{"non-matching tag", EventFilter{Tags: []string{"video"}}, false},
		{"priority below minimum", EventFilter{Priority: &high}, false},
		{"type and source must both match", EventFilter{Types: []EventType{EventScanCompleted}, Sources: []string{"pipeline"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, MatchesFilter(event, tt.filter))
		})
	}
}

func TestEventDataPayloads(t *testing.T) {
	progress := ScanProgressData{JobID: "job-1", Current: 3, Total: 10, CurrentFile: "/music/a.flac"}
	data := progress.Map()
	assert.Equal(t, "job-1", data["jobId"])
	assert.Equal(t, 3, data["current"])
	assert.Equal(t, 10, data["total"])
	assert.Equal(t, "/music/a.flac", data["currentFile"])

	completed := ScanCompletedData{
		JobID:         "job-1",
		TracksAdded:   5,
		TracksUpdated: 2,
		Errors:        []ScanIssue{{Path: "/music/bad.mp3", Message: "permission denied"}},
		DurationMs:    1200,
	}
	data = completed.Map()
	assert.Equal(t, 5, data["tracksAdded"])
	assert.Equal(t, 2, data["tracksUpdated"])
	issues, ok := data["errors"].([]ScanIssue)
	require.True(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, "/music/bad.mp3", issues[0].Path)

	analysis := AnalysisData{Analyzer: "analyze-bpm", TrackID: "track-9"}
	data = analysis.Map()
	assert.Equal(t, "analyze-bpm", data["analyzer"])
	assert.Equal(t, "track-9", data["trackId"])
	_, hasProgress := data["progress"]
	assert.False(t, hasProgress, "zero progress should be omitted")
}
