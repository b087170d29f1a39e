package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
)

var log = slog.Default()

// LockManager keeps the engine lock of running tasks alive.
//
// Each held task gets its own timer that fires margin before the lock
// expires, independent of how long the handler takes. A failed extension
// marks the run lost and cancels its context.
type LockManager struct {
	source   TaskSource
	duration time.Duration
	margin   time.Duration
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewLockManager creates a LockManager that extends by duration, margin
// before expiry. A margin outside (0, duration) becomes duration/3.
func NewLockManager(source TaskSource, duration, margin time.Duration, collector *metrics.Collector) *LockManager {
	if margin <= 0 || margin >= duration {
		margin = duration / 3
	}
	return &LockManager{
		source:   source,
		duration: duration,
		margin:   margin,
		metrics:  collector,
		now:      time.Now,
	}
}

// Hold extends run's lock until stop is called or ctx ends. cancel is called
// when the lock is lost. stop waits for an extension in progress.
func (m *LockManager) Hold(ctx context.Context, run *Run, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			wait := run.ExpiresAt().Sub(m.now()) - m.margin
			timer := time.NewTimer(max(wait, 0))
			select {
			case <-done:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if run.State() != RunActive {
				return
			}
			if !m.extend(ctx, run, cancel) {
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

func (m *LockManager) extend(ctx context.Context, run *Run, cancel context.CancelFunc) bool {
	id := run.Task.ID
	extCtx, extCancel := context.WithDeadline(ctx, run.ExpiresAt())
	requested := m.now()
	err := m.source.ExtendLock(extCtx, id, m.duration)
	extCancel()

	if err == nil {
		run.setExpiresAt(requested.Add(m.duration))
		m.metrics.RecordLockExtension(true)
		log.Debug("Lock extended", "taskID", id, "until", run.ExpiresAt())
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	m.metrics.RecordLockExtension(false)
	if run.markLost() {
		log.Warn("Lock lost, aborting task", "taskID", id, "topic", run.Task.Topic, "error", err)
		cancel()
	}
	return false
}
