// Package bus is the in-process event fabric: task and step lifecycle,
// surface change notifications, and monitor diagnostics all flow through
// it. Topics are hierarchical strings; subscribers match by prefix.
package bus

import (
	"strings"
	"sync"
)

const subscriberBuffer = 64

// Event pairs a topic with its payload. Payload types are defined next to
// their topic constants in topics.go.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live prefix subscription. Receive from Ch; release
// with Bus.Unsubscribe.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the receive side of the subscription.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to prefix-matched subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers for every topic starting with topicPrefix. The empty
// prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call with nil or
// an already-removed subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without
// blocking. Full buffers drop.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
