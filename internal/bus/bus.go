package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 1000

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 100
)

// SubscriptionID identifies an event subscription.
type SubscriptionID string

// Subscription represents a single event subscription.
type Subscription struct {
	ID        SubscriptionID
	EventType EventType
	Handler   func(Event)
	channel   chan Event
	done      chan struct{}
}

// Bus is a thread-safe pub/sub hub with wildcard subscriptions and a bounded
// replay history. Publish never blocks: slow subscribers drop events rather
// than stalling the turn that produced them.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[SubscriptionID]*Subscription
	typedSubs     map[EventType]map[SubscriptionID]*Subscription
	wildcardSubs  map[SubscriptionID]*Subscription
	subCounter    uint64

	historyMu   sync.RWMutex
	history     []Event
	historySize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Bus with the default history size.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a Bus retaining up to historySize events for replay.
func NewWithHistory(historySize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subscriptions: make(map[SubscriptionID]*Subscription),
		typedSubs:     make(map[EventType]map[SubscriptionID]*Subscription),
		wildcardSubs:  make(map[SubscriptionID]*Subscription),
		history:       make([]Event, 0, historySize),
		historySize:   historySize,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe registers a handler for a specific event type.
// Use EventType("") to subscribe to all events (wildcard).
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	b.mu.Lock()
	b.subCounter++
	id := SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))

	sub := &Subscription{
		ID:        id,
		EventType: eventType,
		Handler:   handler,
		channel:   make(chan Event, DefaultChannelBuffer),
		done:      make(chan struct{}),
	}

	b.subscriptions[id] = sub
	if eventType == "" {
		b.wildcardSubs[id] = sub
	} else {
		if b.typedSubs[eventType] == nil {
			b.typedSubs[eventType] = make(map[SubscriptionID]*Subscription)
		}
		b.typedSubs[eventType][id] = sub
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub)

	return id
}

// dispatch delivers events to a single subscription's handler.
func (b *Bus) dispatch(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.channel:
			sub.Handler(event)
		case <-sub.done:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.mu.Lock()
	sub, exists := b.subscriptions[id]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subscriptions, id)
	if sub.EventType == "" {
		delete(b.wildcardSubs, id)
	} else if subs, ok := b.typedSubs[sub.EventType]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.typedSubs, sub.EventType)
		}
	}
	b.mu.Unlock()

	close(sub.done)
	return nil
}

// Publish sends an event to all matching subscribers. Best effort: a full
// subscriber channel drops the event for that subscriber only.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.wildcardSubs {
		select {
		case sub.channel <- event:
		default:
		}
	}
	if subs, ok := b.typedSubs[event.Type]; ok {
		for _, sub := range subs {
			select {
			case sub.channel <- event:
			default:
			}
		}
	}

	return nil
}

func (b *Bus) addToHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns a copy of the retained event history.
func (b *Bus) History() []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	result := make([]Event, len(b.history))
	copy(result, b.history)
	return result
}

// HistoryTail returns the last n retained events.
func (b *Bus) HistoryTail(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if n > len(b.history) {
		n = len(b.history)
	}
	result := make([]Event, n)
	copy(result, b.history[len(b.history)-n:])
	return result
}

// SubscriptionsCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionsCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.subscriptions = make(map[SubscriptionID]*Subscription)
	b.typedSubs = make(map[EventType]map[SubscriptionID]*Subscription)
	b.wildcardSubs = make(map[SubscriptionID]*Subscription)
	b.mu.Unlock()

	return nil
}
