package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// RunState is the lifecycle of one claimed task inside this process.
type RunState int32

const (
	RunActive   RunState = iota // processing, lock held
	RunReported                 // an outcome was handed to the engine
	RunLost                     // lock extension failed, nothing may be reported
)

func (s RunState) String() string {
	switch s {
	case RunActive:
		return "active"
	case RunReported:
		return "reported"
	case RunLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Run tracks one claimed task. The transitions Active->Reported and
// Active->Lost are exclusive, so at most one of them ever happens.
type Run struct {
	Task    *types.Task
	Started time.Time

	state     atomic.Int32
	mu        sync.Mutex
	expiresAt time.Time
}

// NewRun starts tracking task.
func NewRun(task *types.Task, now time.Time) *Run {
	return &Run{Task: task, Started: now, expiresAt: task.LockExpiresAt}
}

func (r *Run) State() RunState {
	return RunState(r.state.Load())
}

// ExpiresAt is the lock expiry as last confirmed by the engine.
func (r *Run) ExpiresAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiresAt
}

func (r *Run) setExpiresAt(t time.Time) {
	r.mu.Lock()
	r.expiresAt = t
	r.mu.Unlock()
}

func (r *Run) markReported() bool {
	return r.state.CompareAndSwap(int32(RunActive), int32(RunReported))
}

func (r *Run) markLost() bool {
	return r.state.CompareAndSwap(int32(RunActive), int32(RunLost))
}
