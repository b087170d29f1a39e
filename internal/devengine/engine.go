// ============================================================================
// Dev Process Engine - external task state machine
// ============================================================================
//
// Package: internal/devengine
// File: engine.go
// Purpose: In-memory process engine speaking the external-task protocol.
//          Used by `extask devengine` and by end-to-end tests.
//
// Task states:
//   Pending
//      ↓ Claim (lock for lock_duration, new claim id)
//   Locked ──(lock expires)──→ Pending
//      ↓ Complete / ReportBusinessError / ReportIncident
//      ↓ ReportRetryableFailure → Pending after retry_after, or Incident when
//        no retries remain
//   Completed / BusinessError / Incident
//
// Storage:
//   tasks map[key]*record - single source of truth
//   order []key           - enqueue order, claims are FIFO
//   claims map[claimID]key - the current claim of every locked task
//
// A task id on the protocol is a claim id. A claim id is forgotten when its
// task is reported, released or claimed again; later calls with it get
// ErrTaskNotFound. A claim whose lock expired but was not yet released gets
// ErrTaskNotLocked.
//
// ============================================================================

package devengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrTaskNotFound means no task or claim with that id exists.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotLocked means the caller's claim no longer holds the lock.
	ErrTaskNotLocked = errors.New("task not locked by this claim")
	// ErrInvalidTask is returned by Enqueue for a task without a topic.
	ErrInvalidTask = errors.New("invalid task")
)

// DefaultRetries is the retry budget of tasks enqueued without one.
const DefaultRetries = 3

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusLocked        Status = "locked"
	StatusCompleted     Status = "completed"
	StatusBusinessError Status = "business_error"
	StatusIncident      Status = "incident"
)

// NewTask is a task to enqueue.
type NewTask struct {
	Topic     string          `json:"topic"`
	Variables types.Variables `json:"variables"`
	Retries   *int            `json:"retries,omitempty"`
}

// Record is a snapshot of one task.
type Record struct {
	Key              string          `json:"key"`
	Topic            string          `json:"topic"`
	Status           Status          `json:"status"`
	Variables        types.Variables `json:"variables"`
	RetriesRemaining int             `json:"retries_remaining"`
	Attempts         int             `json:"attempts"`
	AvailableAt      time.Time       `json:"available_at"`
	ClaimID          types.TaskID    `json:"claim_id,omitempty"`
	WorkerID         string          `json:"worker_id,omitempty"`
	LockExpiresAt    time.Time       `json:"lock_expires_at,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	Message          string          `json:"message,omitempty"`
	Result           types.Variables `json:"result_variables,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Engine is the in-memory process engine. It is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	tasks   map[string]*Record
	order   []string
	claims  map[types.TaskID]string
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates an empty Engine. collector may be nil.
func New(collector *metrics.Collector) *Engine {
	return &Engine{
		tasks:   make(map[string]*Record),
		claims:  make(map[types.TaskID]string),
		metrics: collector,
		now:     time.Now,
	}
}

// ============================================================================
// Submission and queries
// ============================================================================

// Enqueue adds a pending task and returns its key.
func (e *Engine) Enqueue(t NewTask) (string, error) {
	if t.Topic == "" {
		return "", fmt.Errorf("%w: topic is required", ErrInvalidTask)
	}
	retries := DefaultRetries
	if t.Retries != nil {
		if *t.Retries < 0 {
			return "", fmt.Errorf("%w: retries must not be negative", ErrInvalidTask)
		}
		retries = *t.Retries
	}
	if t.Variables == nil {
		t.Variables = types.Variables{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	key := uuid.NewString()
	e.tasks[key] = &Record{
		Key:              key,
		Topic:            t.Topic,
		Status:           StatusPending,
		Variables:        t.Variables,
		RetriesRemaining: retries,
		AvailableAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	e.order = append(e.order, key)
	e.publish()
	log.Debug("Task enqueued", "key", key, "topic", t.Topic, "retries", retries)
	return key, nil
}

// Get returns a snapshot of the task with key.
func (e *Engine) Get(key string) (Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.tasks[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	return *rec, nil
}

// Stats counts tasks per state. Expired locks count as pending.
func (e *Engine) Stats() types.EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats()
}

func (e *Engine) stats() types.EngineStats {
	now := e.now()
	var s types.EngineStats
	for _, rec := range e.tasks {
		switch rec.Status {
		case StatusPending:
			s.Pending++
		case StatusLocked:
			if now.Before(rec.LockExpiresAt) {
				s.Locked++
			} else {
				s.Pending++
			}
		case StatusCompleted:
			s.Completed++
		case StatusBusinessError:
			s.Errored++
		case StatusIncident:
			s.Incidents++
		}
	}
	return s
}

// publish must be called with e.mu held.
func (e *Engine) publish() {
	e.metrics.SetEngineStats(e.stats())
}

// ============================================================================
// Protocol
// ============================================================================

// Claim locks up to req.MaxTasks claimable tasks of req.Topics in enqueue
// order. A task is claimable when it is pending and available, or when its
// lock has expired.
func (e *Engine) Claim(ctx context.Context, req types.ClaimRequest) ([]*types.Task, error) {
	if req.MaxTasks <= 0 {
		return nil, fmt.Errorf("%w: max_tasks must be positive", ErrInvalidTask)
	}
	if req.LockDuration <= 0 {
		return nil, fmt.Errorf("%w: lock_duration must be positive", ErrInvalidTask)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	claimable := lo.Filter(e.order, func(key string, _ int) bool {
		rec := e.tasks[key]
		if !lo.Contains(req.Topics, rec.Topic) {
			return false
		}
		switch rec.Status {
		case StatusPending:
			return !now.Before(rec.AvailableAt)
		case StatusLocked:
			return !now.Before(rec.LockExpiresAt)
		}
		return false
	})
	if len(claimable) > req.MaxTasks {
		claimable = claimable[:req.MaxTasks]
	}

	tasks := make([]*types.Task, 0, len(claimable))
	for _, key := range claimable {
		rec := e.tasks[key]
		if rec.Status == StatusLocked {
			log.Info("Lock expired, task claimed again", "key", key, "previousClaim", rec.ClaimID, "previousWorker", rec.WorkerID)
		}
		delete(e.claims, rec.ClaimID)
		claimID := types.TaskID(uuid.NewString())
		rec.Status = StatusLocked
		rec.ClaimID = claimID
		rec.WorkerID = req.WorkerID
		rec.LockExpiresAt = now.Add(req.LockDuration)
		rec.Attempts++
		rec.UpdatedAt = now
		e.claims[claimID] = key

		tasks = append(tasks, &types.Task{
			ID:               claimID,
			Topic:            rec.Topic,
			Variables:        rec.Variables,
			LockExpiresAt:    rec.LockExpiresAt,
			RetriesRemaining: rec.RetriesRemaining,
			WorkerID:         req.WorkerID,
		})
	}
	if len(tasks) > 0 {
		e.publish()
	}
	return tasks, nil
}

// ExtendLock renews the lock of claim id for d, counted from now.
func (e *Engine) ExtendLock(ctx context.Context, id types.TaskID, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: lock_duration must be positive", ErrInvalidTask)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.locked(id)
	if err != nil {
		return err
	}
	now := e.now()
	rec.LockExpiresAt = now.Add(d)
	rec.UpdatedAt = now
	return nil
}

// Complete finishes the task with result variables.
func (e *Engine) Complete(ctx context.Context, id types.TaskID, vars types.Variables) error {
	return e.finish(id, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = vars
	})
}

// ReportBusinessError ends the task on a BPMN error. The retry budget is kept.
func (e *Engine) ReportBusinessError(ctx context.Context, id types.TaskID, code, message string) error {
	return e.finish(id, func(rec *Record) {
		rec.Status = StatusBusinessError
		rec.ErrorCode = code
		rec.Message = message
	})
}

// ReportRetryableFailure stores the new retry budget. With retries left the
// task is pending again after retryAfter, otherwise it becomes an incident.
func (e *Engine) ReportRetryableFailure(ctx context.Context, id types.TaskID, message string, retriesRemaining int, retryAfter time.Duration) error {
	return e.finish(id, func(rec *Record) {
		rec.Message = message
		rec.RetriesRemaining = max(retriesRemaining, 0)
		if rec.RetriesRemaining == 0 {
			rec.Status = StatusIncident
			return
		}
		rec.Status = StatusPending
		rec.AvailableAt = e.now().Add(max(retryAfter, 0))
	})
}

// ReportIncident ends the task as an incident.
func (e *Engine) ReportIncident(ctx context.Context, id types.TaskID, message string) error {
	return e.finish(id, func(rec *Record) {
		rec.Status = StatusIncident
		rec.Message = message
	})
}

func (e *Engine) finish(id types.TaskID, apply func(rec *Record)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.locked(id)
	if err != nil {
		return err
	}
	apply(rec)
	delete(e.claims, id)
	rec.ClaimID = ""
	rec.WorkerID = ""
	rec.LockExpiresAt = time.Time{}
	rec.UpdatedAt = e.now()
	e.publish()
	log.Info("Task reported", "key", rec.Key, "topic", rec.Topic, "status", rec.Status)
	return nil
}

// locked returns the task held by claim id. Must be called with e.mu held.
func (e *Engine) locked(id types.TaskID) (*Record, error) {
	key, ok := e.claims[id]
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", ErrTaskNotFound, id)
	}
	rec := e.tasks[key]
	if rec.Status != StatusLocked || rec.ClaimID != id {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotLocked, id, rec.Status)
	}
	if !e.now().Before(rec.LockExpiresAt) {
		return nil, fmt.Errorf("%w: lock of %s expired at %s", ErrTaskNotLocked, id, rec.LockExpiresAt.Format(time.RFC3339Nano))
	}
	return rec, nil
}

// ============================================================================
// Lock sweep
// ============================================================================

// ReleaseExpired returns every task whose lock expired to pending and
// returns how many were released.
func (e *Engine) ReleaseExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	released := 0
	for _, key := range e.order {
		rec := e.tasks[key]
		if rec.Status != StatusLocked || now.Before(rec.LockExpiresAt) {
			continue
		}
		log.Warn("Lock expired", "key", key, "claim", rec.ClaimID, "worker", rec.WorkerID)
		delete(e.claims, rec.ClaimID)
		rec.Status = StatusPending
		rec.ClaimID = ""
		rec.WorkerID = ""
		rec.LockExpiresAt = time.Time{}
		rec.UpdatedAt = now
		released++
	}
	if released > 0 {
		e.publish()
	}
	return released
}

// Sweep calls ReleaseExpired every interval until ctx is cancelled.
func (e *Engine) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReleaseExpired()
		}
	}
}
