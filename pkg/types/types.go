// Package types defines the core domain model shared by the worker, the gateway
// and the process engine adapters.
package types

import (
	"time"
)

// TaskID identifies one claim of an external task.
type TaskID string

// Task is a unit of work claimed from the process engine.
type Task struct {
	ID               TaskID    `json:"id"`                // unique per claim
	Topic            string    `json:"topic"`             // selects the handler
	Variables        Variables `json:"variables"`         // engine-supplied input
	LockExpiresAt    time.Time `json:"lock_expires_at"`   // owner must report or extend before this
	RetriesRemaining int       `json:"retries_remaining"` // decremented on every retryable failure
	WorkerID         string    `json:"worker_id,omitempty"`
}

// LockRemaining returns how long the lock is still held at now.
func (t *Task) LockRemaining(now time.Time) time.Duration {
	return t.LockExpiresAt.Sub(now)
}

// EngineStats is the aggregate task state reported by an engine.
type EngineStats struct {
	Pending   int `json:"pending"`
	Locked    int `json:"locked"`
	Completed int `json:"completed"`
	Errored   int `json:"business_errors"`
	Incidents int `json:"incidents"`
}

// ClaimRequest asks the engine for unlocked tasks of the given topics.
type ClaimRequest struct {
	Topics       []string
	MaxTasks     int
	LockDuration time.Duration
	WorkerID     string
}
