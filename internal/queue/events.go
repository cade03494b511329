package queue

import "time"

// EventKind names an engine lifecycle event.
type EventKind string

const (
	EventStart EventKind = "start"
	EventStop  EventKind = "stop"
	EventError EventKind = "error"
)

// Event is delivered to listeners registered with On. Err, JobID and Topic
// are only set on error events, and only when known.
type Event struct {
	Kind  EventKind `json:"kind"`
	Err   error     `json:"-"`
	JobID string    `json:"job_id,omitempty"`
	Topic string    `json:"topic,omitempty"`
	At    time.Time `json:"at"`
}

// Message is the error text, empty for non-error events.
func (e Event) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Listener observes lifecycle events.
type Listener func(Event)
