package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus(4)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()

	b.Publish(Event{Kind: SubscriptionActivated, SubscriptionID: "s1"})

	require.Equal(t, "s1", (<-a).SubscriptionID)
	require.Equal(t, "s1", (<-c).SubscriptionID)

	unsubA()
	unsubA() // idempotent
	_, open := <-a
	assert.False(t, open)

	b.Publish(Event{Kind: SubscriptionExpired, SubscriptionID: "s2"})
	assert.Equal(t, SubscriptionExpired, (<-c).Kind)
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus(1)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(Event{SubscriptionID: "first"})
	b.Publish(Event{SubscriptionID: "second"})

	assert.Equal(t, "first", (<-ch).SubscriptionID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event %v", ev)
	default:
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(Event{}) })
}
