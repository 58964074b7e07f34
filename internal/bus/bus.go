// Package bus is the in-process event fan-out of the control plane. Every
// control-plane event goes through the audit log, which publishes it here for
// live observers: the healer kernels, the gateway's event stream and tests.
// Delivery never blocks the publisher; a subscriber that falls behind loses
// events and the loss is counted.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the delivery channel. It is closed by Unsubscribe or Close.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Backlog is the number of delivered events not yet received.
func (s *Subscription) Backlog() int { return len(s.ch) }

// Dropped is the number of events lost because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// SubscribeOption tunes a subscription.
type SubscribeOption func(*Subscription)

// WithBuffer sets the subscription's buffer size; n < 1 is ignored.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Bus fans events out to subscriptions by topic prefix.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	closed  bool
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscription for topicPrefix ("" matches all). On a
// closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(topicPrefix string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{prefix: topicPrefix}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Event, defaultBufferSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers payload to every matching subscription without blocking.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Streams reading from the bus see their
// channel close and shut down.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total number of lost deliveries across all subscriptions.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
