// ============================================================================
// Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for claiming tasks and reporting outcomes.
//
// Motivation:
//   The worker must not care where tasks come from:
//
//   - Remote Mode: TaskSource wraps the REST client of the process engine.
//   - Embedded Mode: TaskSource is the in-memory development engine.
//
// Every method is a suspension point and honours its context.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// TaskSource claims tasks under a lock and accepts exactly one outcome per claim.
type TaskSource interface {
	// Claim locks a batch of unclaimed tasks.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout.
	//   - req: Topics, batch size, lock duration and the claiming worker.
	//
	// Returns:
	//   - []*types.Task: The claimed tasks, possibly empty.
	//   - error: Error if the engine could not be asked.
	Claim(ctx context.Context, req types.ClaimRequest) ([]*types.Task, error)

	// ExtendLock renews the lock on a claimed task for d.
	// An error means the lock can no longer be assumed held.
	ExtendLock(ctx context.Context, taskID types.TaskID, d time.Duration) error

	// Complete reports success and releases the lock.
	Complete(ctx context.Context, taskID types.TaskID, vars types.Variables) error

	// ReportBusinessError raises a BPMN error. It does not consume a retry.
	ReportBusinessError(ctx context.Context, taskID types.TaskID, code, message string) error

	// ReportRetryableFailure reports a transient failure.
	//
	// Parameters:
	//   - retriesRemaining: The budget left after this failure. Zero makes the
	//     engine raise an incident instead of retrying.
	//   - retryAfter: Delay before the task can be claimed again.
	ReportRetryableFailure(ctx context.Context, taskID types.TaskID, message string, retriesRemaining int, retryAfter time.Duration) error

	// ReportIncident raises an incident regardless of the retry budget.
	ReportIncident(ctx context.Context, taskID types.TaskID, message string) error
}

// Handler turns a claimed task into an outcome.
type Handler interface {
	Handle(ctx context.Context, task *types.Task) types.Outcome
}
