// Package events carries pipeline progress from the orchestrator to the
// console reporter and the metrics recorder.
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// Bus is a channel-based pub-sub event bus with per-topic and all-topic
// subscriptions.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published to topic.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish delivers event to the topic's subscribers and to all-topic
// subscribers. It never blocks: a full subscriber misses the event and the
// drop is counted.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

// Emit publishes event on its own topic.
func (b *Bus) Emit(event Event) {
	b.Publish(event.Topic(), event)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

func bufferSize(n int) int {
	if n <= 0 {
		return DefaultBufferSize
	}
	return n
}
