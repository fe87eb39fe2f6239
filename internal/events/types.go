// Package events provides the in-process event bus connecting the
// scan-and-analyze pipeline to its consumers. The bus is in-memory
// only: delivery is at-least-once while a subscriber is attached, and
// nothing survives a restart.
package events

import (
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	// Scan lifecycle
	EventScanStarted   EventType = "scan:started"
	EventScanProgress  EventType = "scan:progress"
	EventScanCompleted EventType = "scan:completed"
	EventScanFailed    EventType = "scan:failed"

	// Analysis lifecycle
	EventAnalysisStarted   EventType = "analysis:started"
	EventAnalysisProgress  EventType = "analysis:progress"
	EventAnalysisCompleted EventType = "analysis:completed"
	EventAnalysisFailed    EventType = "analysis:failed"

	// Job lifecycle
	EventJobCreated   EventType = "job:created"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobRequeued  EventType = "job:requeued"

	// Library watcher
	EventFileChanged EventType = "library:file-changed"

	// System lifecycle
	EventSystemStarted EventType = "system:started"
	EventSystemStopped EventType = "system:stopped"
)

// EventPriority represents the priority level of an event.
type EventPriority int

const (
	PriorityLow      EventPriority = 1
	PriorityNormal   EventPriority = 5
	PriorityHigh     EventPriority = 10
	PriorityCritical EventPriority = 20
)

// Event represents a single published event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Title     string                 `json:"title,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  EventPriority          `json:"priority"`
	Tags      []string               `json:"tags,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler handles a delivered event. Handlers must return quickly;
// a handler error is logged and never propagates to the publisher.
type EventHandler func(event Event) error

// EventFilter selects which events a subscription receives. Empty
// fields match everything.
type EventFilter struct {
	Types    []EventType    `json:"types,omitempty"`
	Sources  []string       `json:"sources,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Priority *EventPriority `json:"priority,omitempty"`
}

// Subscription represents an active event subscription.
type Subscription struct {
	ID            string       `json:"id"`
	Filter        EventFilter  `json:"filter"`
	Handler       EventHandler `json:"-"`
	Subscriber    string       `json:"subscriber"`
	Created       time.Time    `json:"created"`
	LastTriggered *time.Time   `json:"last_triggered,omitempty"`
	TriggerCount  int64        `json:"trigger_count"`
}

// EventStats summarizes bus activity since startup.
type EventStats struct {
	TotalEvents         int64            `json:"total_events"`
	DroppedEvents       int64            `json:"dropped_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	EventsBySource      map[string]int64 `json:"events_by_source"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	BufferSize  int `json:"buffer_size"`
	RecentLimit int `json:"recent_limit"`
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:  1000,
		RecentLimit: 100,
	}
}

// Typed payloads for the scan and analysis event families. Publishers
// call Map to fill Event.Data so subscribers and the HTTP stream see
// the documented key names.

// ScanIssue is one per-path failure carried by scan:completed.
type ScanIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ScanStartedData is the payload of scan:started.
type ScanStartedData struct {
	JobID string   `json:"jobId"`
	Paths []string `json:"paths"`
}

func (d ScanStartedData) Map() map[string]interface{} {
	return map[string]interface{}{
		"jobId": d.JobID,
		"paths": d.Paths,
	}
}

// ScanProgressData is the payload of scan:progress.
type ScanProgressData struct {
	JobID       string `json:"jobId"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	CurrentFile string `json:"currentFile"`
}

func (d ScanProgressData) Map() map[string]interface{} {
	return map[string]interface{}{
		"jobId":       d.JobID,
		"current":     d.Current,
		"total":       d.Total,
		"currentFile": d.CurrentFile,
	}
}

// ScanCompletedData is the payload of scan:completed.
type ScanCompletedData struct {
	JobID         string      `json:"jobId"`
	TracksAdded   int         `json:"tracksAdded"`
	TracksUpdated int         `json:"tracksUpdated"`
	Errors        []ScanIssue `json:"errors"`
	DurationMs    int64       `json:"durationMs"`
}

func (d ScanCompletedData) Map() map[string]interface{} {
	return map[string]interface{}{
		"jobId":         d.JobID,
		"tracksAdded":   d.TracksAdded,
		"tracksUpdated": d.TracksUpdated,
		"errors":        d.Errors,
		"durationMs":    d.DurationMs,
	}
}

// AnalysisData is the payload of the analysis:* events. Progress is
// only meaningful on analysis:progress and runs 0-100 as supplied by
// the analyzer.
type AnalysisData struct {
	Analyzer string `json:"analyzer"`
	TrackID  string `json:"trackId"`
	Progress int    `json:"progress,omitempty"`
}

func (d AnalysisData) Map() map[string]interface{} {
	m := map[string]interface{}{
		"analyzer": d.Analyzer,
		"trackId":  d.TrackID,
	}
	if d.Progress > 0 {
		m["progress"] = d.Progress
	}
	return m
}

// JobData is the payload of the job:* events.
type JobData struct {
	JobID  string `json:"jobId"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (d JobData) Map() map[string]interface{} {
	m := map[string]interface{}{
		"jobId":  d.JobID,
		"kind":   d.Kind,
		"status": d.Status,
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	return m
}

// FileChangedData is the payload of library:file-changed.
type FileChangedData struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

func (d FileChangedData) Map() map[string]interface{} {
	return map[string]interface{}{
		"path": d.Path,
		"op":   d.Op,
	}
}
