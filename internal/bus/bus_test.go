package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishTyped(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int32
	b.Subscribe(EventAttempt, func(e Event) {
		if e.Model == "qwen2.5:7b" {
			got.Add(1)
		}
	})

	ev := NewEvent(EventAttempt, "s1")
	ev.Model = "qwen2.5:7b"
	if err := b.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	b := New()
	defer b.Close()

	var planEvents, stageEvents atomic.Int32
	b.Subscribe(EventPlanSelected, func(Event) { planEvents.Add(1) })
	b.Subscribe(EventStageStart, func(Event) { stageEvents.Add(1) })

	b.Publish(NewEvent(EventPlanSelected, "s1"))
	b.Publish(NewEvent(EventPlanSelected, "s1"))
	b.Publish(NewEvent(EventStageStart, "s1"))

	waitFor(t, func() bool { return planEvents.Load() == 2 && stageEvents.Load() == 1 })
}

func TestWildcardSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var all atomic.Int32
	b.Subscribe("", func(Event) { all.Add(1) })

	b.Publish(NewEvent(EventPlanSelected, "s1"))
	b.Publish(NewEvent(EventAttempt, "s1"))
	b.Publish(NewEvent(EventTurnComplete, "s1"))

	waitFor(t, func() bool { return all.Load() == 3 })
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int32
	id := b.Subscribe(EventAttempt, func(Event) { got.Add(1) })

	b.Publish(NewEvent(EventAttempt, "s1"))
	waitFor(t, func() bool { return got.Load() == 1 })

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(id); err == nil {
		t.Fatal("double unsubscribe should fail")
	}

	b.Publish(NewEvent(EventAttempt, "s1"))
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("handler invoked after unsubscribe: %d calls", got.Load())
	}
}

func TestHistory(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for i := 0; i < 5; i++ {
		ev := NewEvent(EventStreamChunk, "s1")
		ev.Attempt = i + 1
		b.Publish(ev)
	}

	history := b.History()
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	// Oldest entries were trimmed.
	if history[0].Attempt != 3 {
		t.Errorf("history[0].Attempt = %d, want 3", history[0].Attempt)
	}

	tail := b.HistoryTail(2)
	if len(tail) != 2 || tail[1].Attempt != 5 {
		t.Errorf("HistoryTail(2) = %+v", tail)
	}

	if got := b.HistoryTail(100); len(got) != 3 {
		t.Errorf("HistoryTail over-requests should clamp, got %d", len(got))
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()

	if err := b.Publish(NewEvent(EventAttempt, "s1")); err == nil {
		t.Fatal("publish on closed bus should fail")
	}
	if err := b.Close(); err == nil {
		t.Fatal("double close should fail")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int32
	b.Subscribe("", func(Event) { got.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Publish(NewEvent(EventAttempt, "s1"))
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return got.Load() == 80 })
}

func TestClientSessionFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		session string
		want    bool
	}{
		{"no filter passes all", "", "s2", true},
		{"matching session", "s1", "s1", true},
		{"other session blocked", "s1", "s2", false},
		{"system events pass filter", "s1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{sessionFilter: tt.filter}
			ev := Event{SessionID: tt.session}
			if got := c.wants(ev); got != tt.want {
				t.Errorf("wants() = %v, want %v", got, tt.want)
			}
		})
	}
}
