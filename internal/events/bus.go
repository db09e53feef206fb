// Package events carries run progress from the controller to whoever is
// watching: the TUI, the metrics recorder and the NATS forwarder.
package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 256

// subscriber is one buffered channel. An empty topic receives every event.
type subscriber struct {
	topic string
	ch    chan Event
}

// EventBus fans run events out to buffered subscriber channels. Publishing
// never blocks the controller: a subscriber that falls behind misses
// events, and the miss is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving the events published on topic.
// bufSize <= 0 means 256.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving every event regardless of topic.
// bufSize <= 0 means 256.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{topic: topic, ch: ch})
	return ch
}

// Publish delivers event to the subscribers of topic and to every
// all-topic subscriber. Events published after Close are discarded.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes event on the topic its type belongs to.
func (b *EventBus) Emit(event Event) {
	b.Publish(TopicOf(event.EventType()), event)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Calling it again is a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
