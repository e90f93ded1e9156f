package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			return n
		}
	}
}

func TestPublish_DeliversPayload(t *testing.T) {
	b := New()
	sub := b.Subscribe("cooldown.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicCooldownAdded, CooldownEvent{Scope: "models", ID: "gpt-4o", Reason: "rate_limit"})

	ev := recv(t, sub)
	if ev.Topic != TopicCooldownAdded {
		t.Fatalf("topic = %q", ev.Topic)
	}
	got, ok := ev.Payload.(CooldownEvent)
	if !ok || got.ID != "gpt-4o" || got.Scope != "models" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestPublish_PrefixFiltering(t *testing.T) {
	b := New()
	cooldowns := b.Subscribe("cooldown.")
	requests := b.Subscribe("request.")
	everything := b.Subscribe("")
	defer b.Unsubscribe(cooldowns)
	defer b.Unsubscribe(requests)
	defer b.Unsubscribe(everything)

	b.Publish(TopicCooldownSwept, CooldownEvent{Scope: "accounts", Count: 2})
	b.Publish(TopicAccountRotated, RotationEvent{From: "alice", To: "bob"})
	b.Publish(TopicRequestCompleted, RequestEvent{RequestID: "r1", Status: "ok"})

	if n := drain(cooldowns); n != 1 {
		t.Errorf("cooldown listener got %d events, want 1", n)
	}
	if n := drain(requests); n != 1 {
		t.Errorf("request listener got %d events, want 1", n)
	}
	if n := drain(everything); n != 3 {
		t.Errorf("wildcard listener got %d events, want 3", n)
	}
}

func TestPublish_SlowListenerDropsOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAttemptFinished)
	defer b.Unsubscribe(sub)

	const extra = 7
	for i := 0; i < subscriberBuffer+extra; i++ {
		b.Publish(TopicAttemptFinished, AttemptEvent{Candidate: "gpt-4o"})
	}
	if n := drain(sub); n != subscriberBuffer {
		t.Fatalf("queued %d, want %d", n, subscriberBuffer)
	}
	if sub.Dropped() != extra {
		t.Fatalf("dropped = %d, want %d", sub.Dropped(), extra)
	}
}

func TestUnsubscribe_ClosesChannelOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("subscribers after unsubscribe = %d", b.SubscriberCount())
	}
	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open")
	}
	b.Publish(TopicConfigReloaded, ReloadEvent{Path: "config.yaml"})
}

func TestPublish_NilBus(t *testing.T) {
	var b *Bus
	b.Publish(TopicFallbackExhausted, RequestEvent{RequestID: "r1"})
}

func TestPublish_ConcurrentAttempts(t *testing.T) {
	b := New()
	sub := b.Subscribe("attempt.")
	defer b.Unsubscribe(sub)

	const workers, each = 8, 6
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicAttemptFinished, AttemptEvent{Scope: "models", Success: i%2 == 0})
			}
		}()
	}
	wg.Wait()

	if n := drain(sub); n != workers*each {
		t.Fatalf("received %d, want %d", n, workers*each)
	}
}
