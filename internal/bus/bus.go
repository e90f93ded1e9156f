// Package bus fans resilience events (attempts, cooldowns, rotations,
// reloads) out to in-process listeners such as the SSE stream and tests.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds each listener's queue. Publishers never wait on a
// slow listener; overflow is counted instead.
const subscriberBuffer = 100

type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	id      uint64
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped is the number of events lost to a full queue.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]*Subscription{}}
}

// Subscribe registers a listener for topicPrefix. An empty prefix receives
// everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, subscriberBuffer)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe closes the subscription's channel. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers payload to matching listeners without blocking. A nil
// Bus drops the event so optional wiring needs no guards.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
