package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/normanking/orquesta/internal/chat"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time        { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestGetPut(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Close()

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("a", "one")
	got, ok := c.Get("a")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.(string) != "one" {
		t.Fatalf("got %v, want one", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(time.Hour, 10, WithClock(clk.now))
	defer c.Close()

	c.Put("a", 1)

	clk.advance(59 * time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired before TTL")
	}

	clk.advance(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry survived past TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed on read, len=%d", c.Len())
	}
}

func TestFIFOEviction(t *testing.T) {
	c := New(time.Hour, 3)
	defer c.Close()

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so LRU would keep it; FIFO must still evict it first.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}

	c.Put("d", 4)

	if _, ok := c.Get("a"); ok {
		t.Fatal("oldest entry a should have been evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("entry %s missing after eviction", k)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("len=%d, want 3", c.Len())
	}
}

func TestRePutKeepsEvictionOrder(t *testing.T) {
	c := New(time.Hour, 2)
	defer c.Close()

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10) // refresh, still oldest by insertion
	c.Put("c", 3)  // evicts a

	if _, ok := c.Get("a"); ok {
		t.Fatal("re-put entry should keep its insertion position")
	}
	if got, _ := c.Get("b"); got.(int) != 2 {
		t.Fatal("b should survive")
	}
}

func TestPurge(t *testing.T) {
	clk := newFakeClock()
	c := New(time.Minute, 10, WithClock(clk.now))
	defer c.Close()

	c.Put("old", 1)
	clk.advance(2 * time.Minute)
	c.Put("new", 2)

	c.Purge()

	if c.Len() != 1 {
		t.Fatalf("len=%d after purge, want 1", c.Len())
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatal("fresh entry purged")
	}
}

func TestStats(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Close()

	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 2/1", hits, misses)
	}
}

func makeTurn(contents ...string) chat.Turn {
	var msgs []chat.Message
	for i, c := range contents {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.Message{Role: role, Content: c})
	}
	return chat.Turn{SessionID: "s1", Messages: msgs}
}

func TestTurnKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := TurnKey(makeTurn("hola", "hola, ¿qué tal?"), "planner")
		b := TurnKey(makeTurn("hola", "hola, ¿qué tal?"), "planner")
		if a != b {
			t.Fatal("same turn and discriminator must yield same key")
		}
	})

	t.Run("discriminator changes key", func(t *testing.T) {
		turn := makeTurn("hola")
		if TurnKey(turn, "planner") == TurnKey(turn, "qwen2.5:7b-single") {
			t.Fatal("discriminator must participate in the key")
		}
	})

	t.Run("content changes key", func(t *testing.T) {
		if TurnKey(makeTurn("hola"), "planner") == TurnKey(makeTurn("adiós"), "planner") {
			t.Fatal("message content must participate in the key")
		}
	})

	t.Run("role changes key", func(t *testing.T) {
		a := chat.Turn{Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}}
		b := chat.Turn{Messages: []chat.Message{{Role: chat.RoleSystem, Content: "x"}}}
		if TurnKey(a, "planner") == TurnKey(b, "planner") {
			t.Fatal("role must participate in the key")
		}
	})

	t.Run("only last four messages participate", func(t *testing.T) {
		long := makeTurn("1", "2", "3", "4", "5", "6")
		alt := makeTurn("x", "y", "3", "4", "5", "6")
		if TurnKey(long, "planner") != TurnKey(alt, "planner") {
			t.Fatal("messages before the trailing window must not affect the key")
		}
	})

	t.Run("window boundary", func(t *testing.T) {
		// Changing the fourth-from-last message must change the key.
		a := makeTurn("1", "2", "3", "4", "5", "6")
		b := makeTurn("1", "2", "changed", "4", "5", "6")
		if TurnKey(a, "planner") == TurnKey(b, "planner") {
			t.Fatal("messages inside the trailing window must affect the key")
		}
	})
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Hour, 50)
	defer c.Close()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%60)
				c.Put(key, n)
				c.Get(key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if c.Len() > 50 {
		t.Fatalf("cache exceeded max size: %d", c.Len())
	}
}
