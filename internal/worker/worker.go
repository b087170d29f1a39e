// ============================================================================
// External Task Worker
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Wires Poller, Pool, LockManager and Reporter into one worker.
//
// Per task:
//   1. A Run is created and the lock is held on its own timer
//   2. The Handler (dispatcher) produces an Outcome
//   3. The Reporter sends it unless the lock was lost or the worker is
//      shutting down
//   4. The lock timer is stopped
//
// Shutdown:
//   Cancelling the context passed to Run stops polling and cancels every
//   in-flight task. Cancelled tasks report nothing; their locks expire at the
//   engine and another worker claims them again.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// Config is the worker configuration.
type Config struct {
	WorkerID         string
	Topics           []string
	MaxTasks         int
	LockDuration     time.Duration
	LockExtendMargin time.Duration
	PollInterval     time.Duration
	MaxPollBackoff   time.Duration
	ReportTimeout    time.Duration
}

// Worker processes tasks of a set of topics.
type Worker struct {
	cfg      Config
	handler  Handler
	pool     *Pool
	locks    *LockManager
	reporter *Reporter
	poller   *Poller
}

// New creates a Worker.
func New(cfg Config, source TaskSource, handler Handler, collector *metrics.Collector) (*Worker, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("worker needs at least one topic")
	}
	if cfg.MaxTasks <= 0 {
		return nil, fmt.Errorf("max_tasks must be positive, got %d", cfg.MaxTasks)
	}
	if cfg.LockDuration <= 0 {
		return nil, fmt.Errorf("lock_duration must be positive, got %s", cfg.LockDuration)
	}

	w := &Worker{
		cfg:      cfg,
		handler:  handler,
		pool:     NewPool(cfg.MaxTasks, collector),
		locks:    NewLockManager(source, cfg.LockDuration, cfg.LockExtendMargin, collector),
		reporter: NewReporter(source, cfg.ReportTimeout, collector),
	}
	w.poller = NewPoller(PollerConfig{
		WorkerID:       cfg.WorkerID,
		Topics:         cfg.Topics,
		MaxTasks:       cfg.MaxTasks,
		LockDuration:   cfg.LockDuration,
		PollInterval:   cfg.PollInterval,
		MaxPollBackoff: cfg.MaxPollBackoff,
	}, source, w.pool, w.process, collector)
	return w, nil
}

// Run polls and processes tasks until ctx is cancelled, then waits for
// in-flight tasks to stop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.pool.Start(); err != nil {
		return err
	}
	log.Info("Worker started",
		"workerID", w.cfg.WorkerID,
		"topics", w.cfg.Topics,
		"maxTasks", w.cfg.MaxTasks,
		"lockDuration", w.cfg.LockDuration,
	)

	err := w.poller.Run(ctx)

	log.Info("Worker stopping", "inFlight", w.pool.InFlight())
	w.pool.Stop()
	log.Info("Worker stopped")
	return err
}

// State returns the poller phase.
func (w *Worker) State() PollState {
	return w.poller.State()
}

func (w *Worker) process(ctx context.Context, task *types.Task) {
	run := NewRun(task, time.Now())
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := w.locks.Hold(taskCtx, run, cancel)
	defer stop()

	log.Debug("Task started", "taskID", task.ID, "topic", task.Topic, "lockExpiresAt", task.LockExpiresAt)
	out := w.handler.Handle(taskCtx, task)

	err := w.reporter.Report(taskCtx, run, out)
	switch {
	case err == nil:
		log.Info("Task reported", "taskID", task.ID, "topic", task.Topic, "outcome", out.Kind, "duration", time.Since(run.Started))
	case errors.Is(err, ErrLockLost):
		log.Warn("Outcome discarded, lock lost", "taskID", task.ID, "topic", task.Topic, "outcome", out.Kind)
	case errors.Is(err, ErrAborted):
		log.Info("Outcome discarded, task aborted", "taskID", task.ID, "topic", task.Topic, "outcome", out.Kind)
	default:
		log.Error("Report failed", "taskID", task.ID, "topic", task.Topic, "outcome", out.Kind, "error", err)
	}
}
