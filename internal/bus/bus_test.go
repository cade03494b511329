package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"durable-queue/internal/logging"
)

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	b := New[string](logging.Discard())
	got := make(chan string, 4)

	b.Subscribe("emails", func(_ context.Context, msg string) { got <- "a:" + msg })
	b.Subscribe("emails", func(_ context.Context, msg string) { got <- "b:" + msg })
	b.Subscribe("other", func(_ context.Context, msg string) { got <- "other:" + msg })

	if n := b.Publish(context.Background(), "emails", "hi"); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			seen[msg] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
	if !seen["a:hi"] || !seen["b:hi"] {
		t.Fatalf("unexpected deliveries %v", seen)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery %q", msg)
	default:
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New[int](nil)
	if n := b.Publish(context.Background(), "nobody", 1); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New[int](logging.Discard())
	var calls atomic.Int32
	unsub := b.Subscribe("t", func(context.Context, int) { calls.Add(1) })

	b.Publish(context.Background(), "t", 1)
	_ = b.Wait(context.Background())
	unsub()
	unsub()
	b.Publish(context.Background(), "t", 2)
	_ = b.Wait(context.Background())

	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
	if b.SubscriberCount("t") != 0 {
		t.Fatalf("expected topic cleaned up")
	}
}

func TestPublishDoesNotWaitForHandlers(t *testing.T) {
	b := New[int](logging.Discard())
	release := make(chan struct{})
	b.Subscribe("slow", func(context.Context, int) { <-release })

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), "slow", 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow handler")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatalf("wait should time out while handler is blocked")
	}
	close(release)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New[int](logging.Discard())
	ok := make(chan struct{})
	b.Subscribe("t", func(context.Context, int) { panic("boom") })
	b.Subscribe("t", func(context.Context, int) { close(ok) })

	b.Publish(context.Background(), "t", 1)
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatalf("healthy handler was not called")
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitWhilePublishing(t *testing.T) {
	b := New[int](logging.Discard())
	var calls atomic.Int32
	b.Subscribe("t", func(context.Context, int) { calls.Add(1) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(context.Background(), "t", i)
		}
	}()
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := b.Wait(ctx); err != nil {
			cancel()
			t.Fatalf("wait: %v", err)
		}
		cancel()
	}
	<-done
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() != 200 {
		t.Fatalf("expected 200 calls got %d", calls.Load())
	}
}

func TestWaitWithNothingInFlight(t *testing.T) {
	b := New[int](logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("idle bus should not block: %v", err)
	}
}
