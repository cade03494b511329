package models

import (
	"encoding/json"
	"time"
)

// Job is a unit of work persisted in the queue table until a handler
// acknowledges it.
type Job struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Attempts  int             `json:"attempts"`
	RetryAt   *string         `json:"retry_at,omitempty"`
	Failed    bool            `json:"error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// JobUpdate lists the mutable columns of a job. Nil fields are left untouched.
type JobUpdate struct {
	Failed *bool
}

// MarkFailed is the update applied when a handler reports an error.
func MarkFailed() JobUpdate {
	failed := true
	return JobUpdate{Failed: &failed}
}
