package metrics

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/normanking/orquesta/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStoreRecordAndQuery(t *testing.T) {
	s := openTestStore(t)

	turns := []*TurnMetric{
		{SessionID: "s1", Model: "qwen2.5:7b", Shape: "single", LatencyMs: 100, ModelCalls: 1, TokensEstimated: 40},
		{SessionID: "s1", Model: "deepseek-coder:6.7b", Shape: "coder-then-verifier", LatencyMs: 300, ModelCalls: 2, Retries: 1, TokensEstimated: 120},
		{SessionID: "s2", Model: "qwen2.5:7b", Shape: "single", LatencyMs: 50, CacheHit: true, TokensEstimated: 40},
	}
	for _, m := range turns {
		if err := s.RecordTurn(m); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	t.Run("daily stats", func(t *testing.T) {
		stats, err := s.GetTodayStats()
		if err != nil {
			t.Fatalf("GetTodayStats: %v", err)
		}
		if stats.TotalTurns != 3 {
			t.Errorf("TotalTurns = %d", stats.TotalTurns)
		}
		if stats.TotalRetries != 1 {
			t.Errorf("TotalRetries = %d", stats.TotalRetries)
		}
		if stats.CacheHits != 1 {
			t.Errorf("CacheHits = %d", stats.CacheHits)
		}
		if want := float64(450) / 3; stats.AvgLatencyMs != want {
			t.Errorf("AvgLatencyMs = %v, want %v", stats.AvgLatencyMs, want)
		}
	})

	t.Run("model stats", func(t *testing.T) {
		stats, err := s.GetModelStats(1)
		if err != nil {
			t.Fatalf("GetModelStats: %v", err)
		}
		if len(stats) != 2 {
			t.Fatalf("want 2 models, got %+v", stats)
		}
		// Ordered by turn count descending.
		if stats[0].Model != "qwen2.5:7b" || stats[0].TurnCount != 2 {
			t.Errorf("top model = %+v", stats[0])
		}
	})

	t.Run("recent turns", func(t *testing.T) {
		recent, err := s.GetRecentTurns(2)
		if err != nil {
			t.Fatalf("GetRecentTurns: %v", err)
		}
		if len(recent) != 2 {
			t.Fatalf("want 2 turns, got %d", len(recent))
		}
		if recent[0].SessionID != "s2" {
			t.Errorf("most recent turn = %+v", recent[0])
		}
	})

	t.Run("summary", func(t *testing.T) {
		sum := s.GetSummary()
		if sum["total_turns"].(int64) != 3 {
			t.Errorf("total_turns = %v", sum["total_turns"])
		}
		if sum["cache_hits"].(int64) != 1 {
			t.Errorf("cache_hits = %v", sum["cache_hits"])
		}
	})
}

func TestStoreEmptyDay(t *testing.T) {
	s := openTestStore(t)

	stats, err := s.GetDailyStats("1999-01-01")
	if err != nil {
		t.Fatalf("GetDailyStats: %v", err)
	}
	if stats.TotalTurns != 0 || stats.AvgLatencyMs != 0 {
		t.Errorf("empty day stats = %+v", stats)
	}
}

func metricsEvent(sessionID string) bus.Event {
	ev := bus.NewEvent(bus.EventPerformanceMetrics, sessionID)
	ev.Model = "qwen2.5:7b"
	ev.Shape = "single"
	ev.Payload = map[string]any{
		"total_time_ms":    int64(250),
		"model_calls":      1,
		"retries":          0,
		"cache_hit":        false,
		"tokens_estimated": 42,
	}
	return ev
}

func waitForStats(t *testing.T, c *Collector, cond func(*SessionStats) bool) *SessionStats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats := c.GetSessionStats()
		if cond(stats) {
			return stats
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached, stats = %+v", c.GetSessionStats())
	return nil
}

func TestCollectorAggregatesTurns(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := NewCollector(b, nil)
	c.Start()
	defer c.Stop()

	if err := b.Publish(metricsEvent("s1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(metricsEvent("s1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stats := waitForStats(t, c, func(s *SessionStats) bool { return s.TurnCount == 2 })
	if stats.ModelCalls != 2 {
		t.Errorf("ModelCalls = %d", stats.ModelCalls)
	}
	if stats.TotalLatencyMs != 500 {
		t.Errorf("TotalLatencyMs = %d", stats.TotalLatencyMs)
	}
	if stats.TokensEstimated != 84 {
		t.Errorf("TokensEstimated = %d", stats.TokensEstimated)
	}
}

func TestCollectorCountsLifecycleEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := NewCollector(b, nil)
	c.Start()
	defer c.Stop()

	b.Publish(bus.NewEvent(bus.EventCacheHit, "s1"))
	b.Publish(bus.NewEvent(bus.EventModelFallback, "s1"))
	b.Publish(bus.NewEvent(bus.EventStageError, "s1"))

	stats := waitForStats(t, c, func(s *SessionStats) bool {
		return s.CacheHits == 1 && s.Fallbacks == 1 && s.StageErrors == 1
	})
	if stats.TurnCount != 0 {
		t.Errorf("lifecycle events must not count as turns, TurnCount = %d", stats.TurnCount)
	}
}

func TestCollectorPersistsToStore(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := openTestStore(t)
	c := NewCollector(b, s)
	c.Start()
	defer c.Stop()

	if err := b.Publish(metricsEvent("s1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForStats(t, c, func(st *SessionStats) bool { return st.TurnCount == 1 })

	recent, err := s.GetRecentTurns(1)
	if err != nil {
		t.Fatalf("GetRecentTurns: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("want 1 persisted turn, got %d", len(recent))
	}
	if recent[0].Model != "qwen2.5:7b" || recent[0].LatencyMs != 250 {
		t.Errorf("persisted turn = %+v", recent[0])
	}
}

func TestCollectorJSONNumbersInPayload(t *testing.T) {
	// Events replayed over the websocket feed arrive with float64 numerics.
	p := map[string]any{"total_time_ms": float64(100), "model_calls": float64(2)}
	if payloadInt(p, "total_time_ms") != 100 {
		t.Error("float64 total_time_ms not read")
	}
	if payloadInt(p, "model_calls") != 2 {
		t.Error("float64 model_calls not read")
	}
	if payloadInt(p, "missing") != 0 {
		t.Error("missing key should read as 0")
	}
}

func TestCollectorStopUnsubscribes(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := NewCollector(b, nil)
	c.Start()
	if b.SubscriptionsCount() == 0 {
		t.Fatal("Start should subscribe")
	}
	c.Stop()
	if b.SubscriptionsCount() != 0 {
		t.Errorf("subscriptions after Stop = %d", b.SubscriptionsCount())
	}
}
