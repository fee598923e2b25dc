package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe("ping", func(e Event) { got = e })

	b.Publish("ping", "payload")

	if got.Kind != "ping" || got.Payload != "payload" {
		t.Fatalf("got %+v", got)
	}
}

func TestPublishNotifiesAnySubscription(t *testing.T) {
	b := New()
	var kinds []string
	b.SubscribeAny(func(e Event) { kinds = append(kinds, e.Kind) })

	b.Publish("a", nil)
	b.Publish("b", nil)

	if len(kinds) != 2 || kinds[0] != "a" || kinds[1] != "b" {
		t.Fatalf("got %+v", kinds)
	}
}

func TestDisposeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe("x", func(e Event) { calls++ })

	b.Publish("x", nil)
	sub.Dispose()
	sub.Dispose() // idempotent, must not panic
	b.Publish("x", nil)

	if calls != 1 {
		t.Fatalf("expected 1 call before dispose, got %d", calls)
	}
}

func TestHandlerPanicDoesNotStopBus(t *testing.T) {
	b := New()
	b.Subscribe("x", func(e Event) { panic("boom") })

	calls := 0
	b.Subscribe("x", func(e Event) { calls++ })

	b.Publish("x", nil)

	if calls != 1 {
		t.Fatal("expected second handler to still run after first panicked")
	}
}

func TestAsyncDispatchFansOutOnPool(t *testing.T) {
	b := NewAsync(4, 16)
	var mu sync.Mutex
	received := make([]int, 0, 10)

	var wg sync.WaitGroup
	wg.Add(10)
	b.Subscribe("tick", func(e Event) {
		mu.Lock()
		received = append(received, e.Payload.(int))
		mu.Unlock()
		wg.Done()
	})

	for i := 0; i < 10; i++ {
		b.Publish("tick", i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 10 {
		t.Fatalf("expected 10 deliveries, got %d", len(received))
	}

	b.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Drain(ctx)
}

func TestSubscribeDuringConcurrentPublishIsSafe(t *testing.T) {
	b := New()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish("x", nil)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		sub := b.Subscribe("x", func(e Event) {})
		sub.Dispose()
	}

	close(stop)
	wg.Wait()
}
