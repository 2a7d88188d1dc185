// Package events is the in-process pub/sub used to announce subscription
// lifecycle changes to the scheduler and other listeners.
package events

import (
	"sync"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	SubscriptionActivated        Kind = "subscription.activated"
	SubscriptionRenewed          Kind = "subscription.renewed"
	SubscriptionRenewalRequested Kind = "subscription.renewal_requested"
	SubscriptionExpired          Kind = "subscription.expired"
	SubscriptionCancelled        Kind = "subscription.cancelled"
	SubscriptionFailed           Kind = "subscription.failed"
)

// Event is one lifecycle change. Listeners must treat it as a hint and
// reload state from the store.
type Event struct {
	Kind           Kind
	SubscriptionID string
	SubscriberID   string
	ProducerID     string
	PlanID         string
	At             time.Time
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subscribers: make(map[chan Event]struct{}), buffer: buffer}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a receive channel and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}
