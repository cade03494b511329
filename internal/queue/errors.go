package queue

import (
	"fmt"
)

// StoreInitError reports that Start could not initialize the store. The
// engine stays stopped.
type StoreInitError struct {
	Err error
}

func (e *StoreInitError) Error() string {
	return fmt.Sprintf("queue: initialize store: %v", e.Err)
}

func (e *StoreInitError) Unwrap() error { return e.Err }

// ValidationError rejects Add input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

// QueueError wraps a store failure during add, remove or a sweep query.
type QueueError struct {
	Op    string
	JobID string
	Err   error
}

func (e *QueueError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("queue: %s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// DecodeError reports a stored payload that could not be deserialized. It
// is emitted as an error event; it never aborts a sweep.
type DecodeError struct {
	JobID string
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("queue: decode payload of %s on %q: %v", e.JobID, e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
