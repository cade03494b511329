// Package worker binds error-returning job handlers to the queue engine and
// turns their results into acknowledgments.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"durable-queue/internal/queue"
)

// Handler executes a job delivered on a topic. A nil error acknowledges the
// job with Done; anything else marks it failed for the retry scheduler.
type Handler func(ctx context.Context, d queue.Delivery) error

// Engine is where handlers are registered.
type Engine interface {
	Handle(topic string, h queue.Handler) (unsubscribe func())
}

// Processor registers handlers per topic and acknowledges on their behalf.
type Processor struct {
	engine  Engine
	logger  *slog.Logger
	timeout time.Duration
	unsubs  map[string]func()
}

// Option configures a Processor.
type Option func(*Processor)

// WithTimeout bounds each handler run. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) { p.timeout = d }
}

// NewProcessor returns a processor registering on e.
func NewProcessor(e Engine, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		engine: e,
		logger: logger,
		unsubs: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler binds handler to topic, replacing any handler this
// processor registered there before.
func (p *Processor) RegisterHandler(topic string, handler Handler) {
	if topic == "" || handler == nil {
		return
	}
	if unsub, ok := p.unsubs[topic]; ok {
		unsub()
	}
	p.unsubs[topic] = p.engine.Handle(topic, func(ctx context.Context, d queue.Delivery) {
		p.runJob(ctx, d, handler)
	})
}

// RegisterSinks binds the logging sink to every topic in topics.
func (p *Processor) RegisterSinks(topics []string) {
	for _, topic := range topics {
		p.RegisterHandler(topic, p.handleSink)
	}
}

// Close removes every handler registered through p.
func (p *Processor) Close() {
	for topic, unsub := range p.unsubs {
		unsub()
		delete(p.unsubs, topic)
	}
}

func (p *Processor) runJob(ctx context.Context, d queue.Delivery, handler Handler) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := safeRun(ctx, d, handler)
	// Acks outlive the handler deadline.
	ackCtx := context.WithoutCancel(ctx)
	if err != nil {
		p.logger.Warn("job failed", "id", d.ID, "topic", d.Topic, "origin", d.Origin, "error", err)
		d.Error(ackCtx)
		return
	}
	d.Done(ackCtx)
}

func safeRun(ctx context.Context, d queue.Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, d)
}

// handleSink logs the job and acknowledges it.
func (p *Processor) handleSink(_ context.Context, d queue.Delivery) error {
	p.logger.Info("job received", "id", d.ID, "topic", d.Topic, "origin", d.Origin, "attempts", d.Attempts, "bytes", len(d.Payload))
	return nil
}
