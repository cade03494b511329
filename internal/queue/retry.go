package queue

import (
	"context"
	"time"

	"durable-queue/internal/telemetry"
)

// startRetryScheduler launches the retry loop and returns a function that
// cancels it and waits for it to exit.
func (e *Engine) startRetryScheduler() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.runRetry(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Engine) runRetry(ctx context.Context) {
	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.retryFailed(ctx)
		}
	}
}

// retryFailed re-dispatches every job currently marked failed. The flag is
// left set; only Done removes the job.
func (e *Engine) retryFailed(ctx context.Context) int {
	if !e.Started() {
		return 0
	}
	jobs, err := e.store.FindFailed(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		e.fail(&QueueError{Op: "retry", Err: err}, "", "")
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}
	telemetry.SweepRecords.WithLabelValues(string(OriginRetry)).Observe(float64(len(jobs)))
	e.logger.Info("retry sweep", "jobs", len(jobs))
	return e.sweep(ctx, jobs, OriginRetry)
}
