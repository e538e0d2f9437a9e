package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidecache/models"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a, cancelA := b.Subscribe()
	defer cancelA()
	c, cancelC := b.Subscribe()
	defer cancelC()

	b.Publish(models.Event{Message: "hello"})

	assert.Equal(t, "hello", (<-a).Message)
	assert.Equal(t, "hello", (<-c).Message)
}

func TestBroadcasterNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Publish far more events than the buffer holds without draining;
	// excess events are dropped, not queued.
	for i := 0; i < subscriberBuffer*3; i++ {
		b.Publish(models.Event{Programs: i})
	}

	assert.Equal(t, subscriberBuffer, len(ch))
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	cancel()

	b.Publish(models.Event{Message: "after cancel"})

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch, _ := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields an already-closed channel.
	late, cancel := b.Subscribe()
	defer cancel()
	_, open = <-late
	require.False(t, open)

	// Publishing after close is a no-op.
	b.Publish(models.Event{})
}
