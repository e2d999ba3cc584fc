package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(4)
	defer bus.Close()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Kind: KindOpened, PositionID: "VP-1", Symbol: "BTCUSDT"})

	ea := <-a
	eb := <-b
	assert.Equal(t, KindOpened, ea.Kind)
	assert.Equal(t, "VP-1", eb.PositionID)
	assert.False(t, ea.At.IsZero(), "publish stamps the event")
}

func TestPublishKeepsEventTimestamp(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	defer bus.Close()
	ch := bus.Subscribe()

	at := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Kind: KindClosed, PositionID: "VP-1", At: at})
	assert.True(t, at.Equal((<-ch).At))
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	defer bus.Close()
	ch := bus.Subscribe()

	bus.Publish(Event{Kind: KindOpened, PositionID: "VP-1"})
	done := make(chan struct{})
	go func() {
		// Buffer is full; this must drop, not stall.
		bus.Publish(Event{Kind: KindModified, PositionID: "VP-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	e := <-ch
	assert.Equal(t, KindOpened, e.Kind, "first event kept, second dropped")
}

func TestCloseEndsSubscription(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	ch := bus.Subscribe()
	bus.Close()

	_, open := <-ch
	require.False(t, open)
}
