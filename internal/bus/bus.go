// Package bus is an in-process, topic-keyed publish/subscribe primitive.
// Publish never waits for handlers: each handler runs on its own goroutine.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives a message published on a subscribed topic.
type Handler[T any] func(ctx context.Context, msg T)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus routes messages of type T to the handlers subscribed to a topic.
// It is safe for concurrent use.
type Bus[T any] struct {
	logger *slog.Logger
	nextID atomic.Uint64

	mu     sync.RWMutex
	topics map[string][]subscription[T]

	// inflight counts running handlers; idle is closed whenever it is zero.
	flightMu sync.Mutex
	inflight int
	idle     chan struct{}
}

// New creates an empty bus. Handler panics are recovered and logged to logger.
func New[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Bus[T]{
		logger: logger,
		topics: make(map[string][]subscription[T]),
		idle:   idle,
	}
}

// Subscribe registers h on topic and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus[T]) Subscribe(topic string, h Handler[T]) (unsubscribe func()) {
	sub := subscription[T]{id: b.nextID.Add(1), handler: h}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, sub.id) })
	}
}

func (b *Bus[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			// Copy so that snapshots held by in-progress publishes stay intact.
			next := make([]subscription[T], 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			subs = next
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = subs
}

// Publish hands msg to every handler subscribed to topic and returns how
// many handlers it was handed to. It does not wait for them to finish.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) int {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		b.begin()
		go b.run(ctx, topic, s.handler, msg)
	}
	return len(subs)
}

func (b *Bus[T]) run(ctx context.Context, topic string, h Handler[T], msg T) {
	defer b.end()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "topic", topic, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, msg)
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus[T]) begin() {
	b.flightMu.Lock()
	if b.inflight == 0 {
		b.idle = make(chan struct{})
	}
	b.inflight++
	b.flightMu.Unlock()
}

func (b *Bus[T]) end() {
	b.flightMu.Lock()
	b.inflight--
	if b.inflight == 0 {
		close(b.idle)
	}
	b.flightMu.Unlock()
}

// Wait blocks until no handler is running or ctx ends. It may be called
// while other goroutines keep publishing.
func (b *Bus[T]) Wait(ctx context.Context) error {
	b.flightMu.Lock()
	idle := b.idle
	b.flightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
