package metrics

import (
	"sync"
	"time"

	"github.com/normanking/orquesta/internal/bus"
)

// Collector subscribes to the event bus and aggregates per-session turn
// metrics in memory, optionally persisting completed turns to a Store.
type Collector struct {
	bus          *bus.Bus
	store        *Store
	session      *SessionStats
	recentEvents []bus.Event
	mu           sync.RWMutex
	maxEvents    int
	subs         []bus.SubscriptionID
	stopped      bool
}

// SessionStats holds metrics for the current process lifetime.
type SessionStats struct {
	StartTime       time.Time
	TurnCount       int
	ModelCalls      int64
	Retries         int64
	Fallbacks       int64
	CacheHits       int64
	StageErrors     int64
	TokensEstimated int64
	TotalLatencyMs  int64
	LastEvent       string
	LastEventTime   time.Time
}

// NewCollector creates a metrics collector. The store may be nil for
// in-memory-only aggregation.
func NewCollector(eventBus *bus.Bus, store *Store) *Collector {
	return &Collector{
		bus:          eventBus,
		store:        store,
		session:      &SessionStats{StartTime: time.Now()},
		recentEvents: make([]bus.Event, 0),
		maxEvents:    50,
		subs:         make([]bus.SubscriptionID, 0),
	}
}

// Start begins listening to the event bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	for _, et := range []bus.EventType{
		bus.EventPerformanceMetrics,
		bus.EventAttempt,
		bus.EventModelFallback,
		bus.EventCacheHit,
		bus.EventStageError,
	} {
		c.subs = append(c.subs, c.bus.Subscribe(et, c.handleEvent))
	}
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	for _, id := range c.subs {
		_ = c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// GetSessionStats returns a copy of the current session stats.
func (c *Collector) GetSessionStats() *SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := *c.session
	return &stats
}

// GetRecentEvents returns the most recent n events for display.
func (c *Collector) GetRecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	start := len(c.recentEvents) - n
	events := make([]bus.Event, n)
	copy(events, c.recentEvents[start:])
	return events
}

func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}

	c.session.LastEvent = string(event.Type)
	c.session.LastEventTime = event.Timestamp

	switch event.Type {
	case bus.EventPerformanceMetrics:
		c.applyTurnMetrics(event)
	case bus.EventModelFallback:
		c.session.Fallbacks++
	case bus.EventCacheHit:
		c.session.CacheHits++
	case bus.EventStageError:
		c.session.StageErrors++
	}
}

// applyTurnMetrics folds one completed turn into the session totals and
// persists it. Called with the mutex held.
func (c *Collector) applyTurnMetrics(event bus.Event) {
	totalMs := payloadInt(event.Payload, "total_time_ms")
	calls := payloadInt(event.Payload, "model_calls")
	retries := payloadInt(event.Payload, "retries")
	tokens := payloadInt(event.Payload, "tokens_estimated")
	cacheHit := payloadBool(event.Payload, "cache_hit")

	c.session.TurnCount++
	c.session.ModelCalls += calls
	c.session.Retries += retries
	c.session.TokensEstimated += tokens
	c.session.TotalLatencyMs += totalMs

	if c.store != nil {
		_ = c.store.RecordTurn(&TurnMetric{
			SessionID:       event.SessionID,
			Model:           event.Model,
			Shape:           event.Shape,
			LatencyMs:       totalMs,
			ModelCalls:      int(calls),
			Retries:         int(retries),
			CacheHit:        cacheHit,
			TokensEstimated: int(tokens),
			CreatedAt:       event.Timestamp,
		})
	}
}

// payloadInt reads a numeric payload field. Values round-trip through
// encoding/json on the observer path, so float64 must be accepted too.
func payloadInt(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func payloadBool(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}
