package queue

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/time/rate"

	"durable-queue/internal/models"
	"durable-queue/internal/telemetry"
)

// recoverJobs dispatches every stored job once. It runs after each start and
// closes ready as soon as the snapshot query has returned.
func (e *Engine) recoverJobs(ctx context.Context, ready chan struct{}) error {
	jobs, err := e.store.FindAll(ctx)
	close(ready)
	if err != nil {
		if !e.Started() {
			e.logger.Debug("recovery skipped, engine stopped", "error", err)
			return nil
		}
		qerr := &QueueError{Op: "recover", Err: err}
		e.fail(qerr, "", "")
		return qerr
	}
	telemetry.SweepRecords.WithLabelValues(string(OriginRecovery)).Observe(float64(len(jobs)))
	e.logger.Info("recovery sweep", "jobs", len(jobs))
	e.sweep(ctx, jobs, OriginRecovery)
	return nil
}

// sweep dispatches jobs in the order given, paced by the dispatch interval.
// A job whose payload cannot be decoded is reported and skipped.
func (e *Engine) sweep(ctx context.Context, jobs []models.Job, origin Origin) int {
	var limiter *rate.Limiter
	if e.dispatchInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.dispatchInterval), 1)
	}
	handlerCtx := context.WithoutCancel(ctx)

	sent := 0
	for _, job := range jobs {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return sent
			}
		}
		if !json.Valid(job.Data) {
			e.fail(&DecodeError{JobID: job.ID, Topic: job.Topic, Err: errors.New("payload is not valid JSON")}, job.ID, job.Topic)
			continue
		}
		if origin == OriginRetry {
			e.logger.Info("retrying job", "id", job.ID, "topic", job.Topic)
		}
		e.dispatch(handlerCtx, job, origin)
		sent++
	}
	return sent
}
