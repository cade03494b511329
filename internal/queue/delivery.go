package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"durable-queue/internal/models"
	"durable-queue/internal/store"
	"durable-queue/internal/telemetry"
)

// Origin says which path handed a job to its handlers.
type Origin string

const (
	OriginAdd      Origin = "add"
	OriginRecovery Origin = "recovery"
	OriginRetry    Origin = "retry"
)

// AckResult is the outcome of Done or Error. Acknowledgments never fail the
// handler; callers may inspect the result but need not.
type AckResult int

const (
	// AckApplied means the store confirmed the change.
	AckApplied AckResult = iota
	// AckGone means the job no longer exists, typically already done or removed.
	AckGone
	// AckFailed means the store could not be reached or rejected the change.
	AckFailed
)

func (r AckResult) String() string {
	switch r {
	case AckApplied:
		return "applied"
	case AckGone:
		return "gone"
	default:
		return "failed"
	}
}

// Handler processes jobs dispatched on a topic.
type Handler func(ctx context.Context, d Delivery)

// Delivery is one dispatch of a persisted job to a handler.
type Delivery struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"job"`
	Attempts int             `json:"attempts,omitempty"`
	Origin   Origin          `json:"origin"`

	ack *acker
}

// Decode unmarshals the payload into v.
func (d Delivery) Decode(v any) error {
	return json.Unmarshal(d.Payload, v)
}

// Done deletes the job. Repeated calls report AckGone.
func (d Delivery) Done(ctx context.Context) AckResult {
	if d.ack == nil {
		return AckFailed
	}
	return d.ack.done(ctx)
}

// Error marks the job failed so the retry scheduler picks it up again.
func (d Delivery) Error(ctx context.Context) AckResult {
	if d.ack == nil {
		return AckFailed
	}
	return d.ack.fail(ctx)
}

// acker binds acknowledgments to a single stored job.
type acker struct {
	id     string
	topic  string
	store  store.Store
	logger *slog.Logger
}

func (a *acker) done(ctx context.Context) AckResult {
	return a.settle("done", a.store.Delete(ctx, a.id))
}

func (a *acker) fail(ctx context.Context) AckResult {
	return a.settle("error", a.store.Update(ctx, a.id, models.MarkFailed()))
}

func (a *acker) settle(kind string, err error) AckResult {
	res := AckApplied
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		res = AckGone
		a.logger.Debug("ack on missing job", "kind", kind, "id", a.id, "topic", a.topic)
	default:
		res = AckFailed
		a.logger.Warn("ack not persisted", "kind", kind, "id", a.id, "topic", a.topic, "error", err)
	}
	telemetry.Acks.WithLabelValues(kind, res.String()).Inc()
	return res
}

func newDelivery(job models.Job, origin Origin, ack *acker) Delivery {
	return Delivery{
		ID:       job.ID,
		Topic:    job.Topic,
		Payload:  json.RawMessage(job.Data),
		Attempts: job.Attempts,
		Origin:   origin,
		ack:      ack,
	}
}
