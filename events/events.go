// events/events.go
package events

import (
	"sync"
	"time"

	"auto_guard_go/logs"
)

// Kind classifies lifecycle events emitted by the management loop.
type Kind string

const (
	KindOpened        Kind = "opened"
	KindModified      Kind = "modified"
	KindPartialClosed Kind = "partial_closed"
	KindClosed        Kind = "closed"
	KindAdopted       Kind = "adopted"
	KindFailed        Kind = "mutation_failed"
	KindFrozen        Kind = "frozen"
)

// Event describes one thing that happened to a position.
type Event struct {
	Kind       Kind      `json:"kind"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason,omitempty"`
	Size       float64   `json:"size,omitempty"`
	Price      float64   `json:"price,omitempty"`
	PNL        float64   `json:"pnl,omitempty"`
	At         time.Time `json:"at"`
}

// Bus fans events out to subscribers. Delivery is non-blocking: a subscriber
// that stops draining drops events rather than stalling the cycle loop.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
	size int
}

// NewBus creates a bus whose subscriber channels buffer size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{size: size}
}

// Subscribe returns a channel receiving future events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.size)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish mirrors the event to the log and delivers it to every subscriber
// whose buffer has room.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	logs.Infof("[Event] %s %s %s %s", e.Kind, e.Symbol, e.PositionID, e.Reason)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logs.Warnf("[Event] Subscriber buffer full, dropping %s for %s.", e.Kind, e.PositionID)
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
