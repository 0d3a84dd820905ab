// Package bus provides the event distribution system for the routing engine.
// Every planning decision, executor attempt, stream token, and metrics
// snapshot flows through it, so live observers (websocket feed, metrics
// collector) see the same turn lifecycle the logs do.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a turn lifecycle event.
type EventType string

const (
	// Planning events
	EventPlanSelected EventType = "plan_selected"
	EventCacheHit     EventType = "cache_hit"

	// Stage events
	EventStageStart    EventType = "stage_start"
	EventStageComplete EventType = "stage_complete"
	EventStageError    EventType = "stage_error"

	// Executor events
	EventAttempt       EventType = "attempt"
	EventModelFallback EventType = "model_fallback"

	// Streaming
	EventStreamChunk EventType = "stream_chunk"

	// Turn completion
	EventTurnComplete       EventType = "turn_complete"
	EventPerformanceMetrics EventType = "performance_metrics"
)

// Event is a single turn lifecycle event. SessionID routes it to the right
// live observer; the rest of the fields are filled per event type.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`

	// Stage context
	Step  string `json:"step,omitempty"`
	Model string `json:"model,omitempty"`
	Shape string `json:"shape,omitempty"`

	// Executor context
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Timing
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Content (stream chunks, final output excerpts)
	Content string `json:"content,omitempty"`

	// Error information
	Error string `json:"error,omitempty"`

	// Structured extras (metrics snapshots)
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with the current timestamp and a fresh ID.
func NewEvent(eventType EventType, sessionID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		SessionID: sessionID,
	}
}
