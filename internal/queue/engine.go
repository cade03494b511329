// Package queue is the durable topic queue engine. Jobs are persisted before
// they are published to topic handlers, recovered from the store on every
// start, and re-dispatched on an interval while they stay marked failed.
//
// Delivery is at-least-once: a job is handed out again on every start until
// a handler acknowledges it with Done.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"durable-queue/internal/bus"
	"durable-queue/internal/models"
	"durable-queue/internal/store"
	"durable-queue/internal/telemetry"
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarted
)

func (s State) String() string {
	if s == StateStarted {
		return "started"
	}
	return "stopped"
}

const (
	defaultSettleDelay      = 60 * time.Millisecond
	defaultDispatchInterval = 10 * time.Millisecond
)

// Option configures an Engine.
type Option func(*Engine)

// WithRetryInterval enables the retry scheduler. Zero disables it.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) { e.retryInterval = d }
}

// WithSettleDelay sets the pause between Stop and Start in Restart.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settleDelay = d }
}

// WithDispatchInterval paces dispatches inside a sweep. Zero disables pacing.
func WithDispatchInterval(d time.Duration) Option {
	return func(e *Engine) { e.dispatchInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine owns the queue lifecycle and the dispatch of stored jobs.
type Engine struct {
	store            store.Store
	logger           *slog.Logger
	retryInterval    time.Duration
	settleDelay      time.Duration
	dispatchInterval time.Duration

	jobs   *bus.Bus[Delivery]
	events *bus.Bus[Event]

	state atomic.Int32

	// mu serializes Start/Stop and guards the fields below.
	mu sync.Mutex
	// ready is closed once started and the recovery snapshot is taken; Stop
	// replaces it with an open channel.
	ready chan struct{}
	// backlog is the turn of the most recent Add that arrived while stopped.
	backlog   chan struct{}
	stopRetry func()

	sweeps sync.WaitGroup
}

// New builds a stopped engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		logger:           slog.Default(),
		settleDelay:      defaultSettleDelay,
		dispatchInterval: defaultDispatchInterval,
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.jobs = bus.New[Delivery](e.logger)
	e.events = bus.New[Event](e.logger)
	return e
}

// State reports the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Started reports whether the engine is started.
func (e *Engine) Started() bool { return e.State() == StateStarted }

// Start initializes the store, marks the engine started and launches the
// recovery sweep in the background. Waiting Add calls are released once the
// sweep has taken its snapshot of the store, so jobs they add are dispatched
// by Add alone. It is a no-op when already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Started() {
		return nil
	}

	if err := e.store.Init(ctx); err != nil {
		e.logger.Error("store initialization failed", "error", err)
		return &StoreInitError{Err: err}
	}

	e.state.Store(int32(StateStarted))
	telemetry.EngineStarted.Set(1)

	if e.retryInterval > 0 {
		e.stopRetry = e.startRetryScheduler()
	}

	e.Emit(Event{Kind: EventStart})
	e.logger.Info("queue started", "retry_interval", e.retryInterval)

	ready := e.ready
	e.sweeps.Add(1)
	go func() {
		defer e.sweeps.Done()
		_ = e.recoverJobs(context.Background(), ready)
	}()
	return nil
}

// Stop emits the stop event, cancels the retry scheduler and tears down the
// store connection. Handlers already running are not interrupted; their
// acknowledgments fail quietly until the engine is started again.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Started() {
		return nil
	}

	e.Emit(Event{Kind: EventStop})
	if e.stopRetry != nil {
		e.stopRetry()
		e.stopRetry = nil
	}

	err := e.store.Close()
	e.state.Store(int32(StateStopped))
	e.ready = make(chan struct{})
	telemetry.EngineStarted.Set(0)
	e.logger.Info("queue stopped")
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Restart stops the engine, waits the settle delay so running handlers can
// drain, then starts it again.
func (e *Engine) Restart(ctx context.Context) error {
	if err := e.Stop(ctx); err != nil {
		e.logger.Warn("stop during restart", "error", err)
	}
	if e.settleDelay > 0 {
		t := time.NewTimer(e.settleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return e.Start(ctx)
}

// Add persists a job on topic and publishes it to the topic's handlers. It
// waits for the engine to be started; calls that arrive while stopped are
// persisted in arrival order once it is.
func (e *Engine) Add(ctx context.Context, topic string, p Payload) (string, error) {
	if topic == "" {
		return "", &ValidationError{Field: "topic", Reason: "is required"}
	}
	data, retryAt, err := encodePayload(p)
	if err != nil {
		return "", err
	}

	release, err := e.awaitStarted(ctx)
	if err != nil {
		return "", err
	}
	job := models.Job{Topic: topic, Data: data, Attempts: p.Attempts, RetryAt: retryAt}
	_, err = e.store.Insert(ctx, &job)
	release()
	if err != nil {
		qerr := &QueueError{Op: "add", Err: err}
		e.fail(qerr, "", topic)
		return "", qerr
	}
	telemetry.JobsAdded.Inc()

	e.dispatch(context.WithoutCancel(ctx), job, OriginAdd)
	return job.ID, nil
}

// Remove deletes a job by id without dispatching it.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		qerr := &QueueError{Op: "remove", JobID: id, Err: err}
		e.fail(qerr, id, "")
		return qerr
	}
	telemetry.JobsRemoved.Inc()
	return nil
}

// Get returns the stored job with id. Lookups are not queue failures and
// emit no error event.
func (e *Engine) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return models.Job{}, &QueueError{Op: "get", JobID: id, Err: err}
	}
	return job, nil
}

// Handle registers h for jobs dispatched on topic.
func (e *Engine) Handle(topic string, h Handler) (unsubscribe func()) {
	return e.jobs.Subscribe(topic, bus.Handler[Delivery](h))
}

// On registers l for lifecycle events of the given kind.
func (e *Engine) On(kind EventKind, l Listener) (unsubscribe func()) {
	return e.events.Subscribe(string(kind), func(_ context.Context, ev Event) { l(ev) })
}

// Emit publishes a lifecycle event and returns the number of listeners it
// was handed to.
func (e *Engine) Emit(ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return e.events.Publish(context.Background(), string(ev.Kind), ev)
}

// Subscribers returns the number of handlers registered on topic.
func (e *Engine) Subscribers(topic string) int {
	return e.jobs.SubscriberCount(topic)
}

// awaitStarted blocks until the engine is started and its recovery snapshot
// is taken. Callers that had to wait proceed one at a time, in arrival
// order, each calling release once its insert is done.
func (e *Engine) awaitStarted(ctx context.Context) (func(), error) {
	e.mu.Lock()
	if isClosed(e.ready) {
		e.mu.Unlock()
		return func() {}, nil
	}
	prev := e.backlog
	turn := make(chan struct{})
	e.backlog = turn
	e.mu.Unlock()

	var once sync.Once
	closeTurn := func() { once.Do(func() { close(turn) }) }
	abandon := func() {
		// Hand the turn on only after our predecessor is done.
		go func() {
			if prev != nil {
				<-prev
			}
			closeTurn()
		}()
	}

	for {
		e.mu.Lock()
		ready := e.ready
		e.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		}

		// A Stop may have re-armed the signal while we were waking up.
		e.mu.Lock()
		current := e.ready == ready
		e.mu.Unlock()
		if current {
			break
		}
	}
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		}
	}
	return closeTurn, nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (e *Engine) dispatch(ctx context.Context, job models.Job, origin Origin) int {
	ack := &acker{id: job.ID, topic: job.Topic, store: e.store, logger: e.logger}
	n := e.jobs.Publish(ctx, job.Topic, newDelivery(job, origin, ack))
	telemetry.Dispatches.WithLabelValues(string(origin)).Inc()
	if n == 0 {
		e.logger.Debug("no handler for topic", "topic", job.Topic, "id", job.ID, "origin", origin)
	}
	return n
}

// fail logs err, counts it and emits it as an error event.
func (e *Engine) fail(err error, jobID, topic string) {
	if qerr, ok := err.(*QueueError); ok {
		telemetry.QueueErrors.WithLabelValues(qerr.Op).Inc()
	}
	e.logger.Error("queue error", "error", err, "id", jobID, "topic", topic)
	e.Emit(Event{Kind: EventError, Err: err, JobID: jobID, Topic: topic})
}
