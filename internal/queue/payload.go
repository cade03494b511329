package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payload is what producers submit. Attempts is advisory and RetryAt is only
// recorded; neither changes how the engine schedules the job.
type Payload struct {
	Data     any
	Attempts int
	RetryAt  string
}

// AddOption adjusts the Payload built by the typed Add helper.
type AddOption func(*Payload)

// WithAttempts records the advisory attempt budget.
func WithAttempts(n int) AddOption {
	return func(p *Payload) { p.Attempts = n }
}

// WithRetryAt records a retry delay such as "5m" or "1500".
func WithRetryAt(d string) AddOption {
	return func(p *Payload) { p.RetryAt = d }
}

// Job is a delivery whose payload has been decoded into T.
type Job[T any] struct {
	Delivery
	Data T
}

// Add submits data on topic with a typed payload.
func Add[T any](ctx context.Context, e *Engine, topic string, data T, opts ...AddOption) (string, error) {
	p := Payload{Data: data}
	for _, opt := range opts {
		opt(&p)
	}
	return e.Add(ctx, topic, p)
}

// HandleFunc registers fn for topic, decoding each payload into T first.
// Payloads that do not decode are reported as error events and left in the
// store untouched.
func HandleFunc[T any](e *Engine, topic string, fn func(ctx context.Context, job Job[T])) (unsubscribe func()) {
	return e.Handle(topic, func(ctx context.Context, d Delivery) {
		var data T
		if err := d.Decode(&data); err != nil {
			e.fail(&DecodeError{JobID: d.ID, Topic: d.Topic, Err: err}, d.ID, d.Topic)
			return
		}
		fn(ctx, Job[T]{Delivery: d, Data: data})
	})
}

func encodePayload(p Payload) ([]byte, *string, error) {
	if p.Attempts < 0 {
		return nil, nil, &ValidationError{Field: "attempts", Reason: "must not be negative"}
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return nil, nil, &ValidationError{Field: "data", Reason: err.Error()}
	}
	retryAt, err := normalizeRetryAt(p.RetryAt)
	if err != nil {
		return nil, nil, err
	}
	return data, &retryAt, nil
}

// normalizeRetryAt converts a delay into whole milliseconds. Bare numbers
// are already milliseconds; an empty value records "0".
func normalizeRetryAt(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "0", nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return "", &ValidationError{Field: "retryAt", Reason: "must not be negative"}
		}
		return strconv.FormatInt(ms, 10), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return "", &ValidationError{Field: "retryAt", Reason: err.Error()}
	}
	if d < 0 {
		return "", &ValidationError{Field: "retryAt", Reason: "must not be negative"}
	}
	return strconv.FormatInt(d.Milliseconds(), 10), nil
}
