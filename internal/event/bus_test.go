package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrderPreserved(t *testing.T) {
	b := NewBus()
	var seen []Type
	unsub := b.Subscribe(func(e *Event) { seen = append(seen, e.Type) })
	defer unsub()

	b.Publish(&Event{Type: TypeCaptureAccepted})
	b.Publish(&Event{Type: TypeCaptureRejected})
	b.Publish(&Event{Type: TypeEnrollCompleted})

	assert.Equal(t, []Type{TypeCaptureAccepted, TypeCaptureRejected, TypeEnrollCompleted}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	count := 0
	unsub := b.Subscribe(func(e *Event) { count++ })

	b.Publish(&Event{Type: TypeWorkerState})
	unsub()
	b.Publish(&Event{Type: TypeWorkerState})

	assert.Equal(t, 1, count)
	assert.Zero(t, b.SubscriberCount())
}

func TestSubscribeChannelDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.SubscribeChannel(2)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: TypeModelProgress})
	}

	// Only the buffer capacity was retained.
	assert.Len(t, ch, 2)
}

func TestPublishSetsTimestamp(t *testing.T) {
	b := NewBus()
	var got *Event
	defer b.Subscribe(func(e *Event) { got = e })()

	b.Publish(&Event{Type: TypeIdentityVerified})
	require.NotNil(t, got)
	assert.False(t, got.Timestamp.IsZero())
}

func TestCloseClosesChannels(t *testing.T) {
	b := NewBus()
	ch, _ := b.SubscribeChannel(1)
	b.Close()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
}
