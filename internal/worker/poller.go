package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// PollState is the phase of the current polling cycle.
type PollState string

const (
	StateIdle        PollState = "idle"
	StatePolling     PollState = "polling"
	StateClaimed     PollState = "claimed"
	StateDispatching PollState = "dispatching"
)

const (
	DefaultPollInterval   = time.Second
	DefaultMaxPollBackoff = 30 * time.Second
)

// PollerConfig controls claiming.
type PollerConfig struct {
	WorkerID       string
	Topics         []string
	MaxTasks       int
	LockDuration   time.Duration
	PollInterval   time.Duration // pause after an empty claim
	MaxPollBackoff time.Duration // cap of the backoff after failed claims
}

// Poller claims tasks for free pool slots and hands them to exec.
//
// Cycle: Idle -> Polling -> Claimed(N) -> Dispatching -> Idle. Failed claims
// back off exponentially from PollInterval up to MaxPollBackoff.
type Poller struct {
	cfg     PollerConfig
	source  TaskSource
	pool    *Pool
	exec    func(ctx context.Context, task *types.Task)
	metrics *metrics.Collector
	state   atomic.Value
}

func NewPoller(cfg PollerConfig, source TaskSource, pool *Pool, exec func(ctx context.Context, task *types.Task), collector *metrics.Collector) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollBackoff < cfg.PollInterval {
		cfg.MaxPollBackoff = max(DefaultMaxPollBackoff, cfg.PollInterval)
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = pool.Size()
	}
	p := &Poller{cfg: cfg, source: source, pool: pool, exec: exec, metrics: collector}
	p.state.Store(StateIdle)
	return p
}

// State returns the current cycle phase.
func (p *Poller) State() PollState {
	return p.state.Load().(PollState)
}

// Run polls until ctx is cancelled. Tasks run with ctx, so cancelling it also
// aborts in-flight tasks.
func (p *Poller) Run(ctx context.Context) error {
	defer p.state.Store(StateIdle)

	var backoff time.Duration
	for {
		p.state.Store(StateIdle)
		if ctx.Err() != nil {
			return nil
		}

		free := min(p.pool.Free(), p.cfg.MaxTasks)
		if free <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-p.pool.Idle():
			}
			continue
		}

		p.state.Store(StatePolling)
		tasks, err := p.source.Claim(ctx, types.ClaimRequest{
			Topics:       p.cfg.Topics,
			MaxTasks:     free,
			LockDuration: p.cfg.LockDuration,
			WorkerID:     p.cfg.WorkerID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			backoff = p.nextBackoff(backoff)
			p.metrics.RecordPollError()
			log.Warn("Claim failed", "error", err, "retryIn", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0

		if len(tasks) == 0 {
			if !sleep(ctx, p.cfg.PollInterval) {
				return nil
			}
			continue
		}

		p.state.Store(StateClaimed)
		p.metrics.RecordClaimed(len(tasks))
		log.Debug("Tasks claimed", "count", len(tasks))

		p.state.Store(StateDispatching)
		for _, task := range tasks {
			if err := p.pool.Submit(func() { p.exec(ctx, task) }); err != nil {
				// the lock expires at the engine and the task is claimed again
				log.Error("Task not dispatched", "taskID", task.ID, "topic", task.Topic, "error", err)
			}
		}
	}
}

func (p *Poller) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return p.cfg.PollInterval
	}
	return min(current*2, p.cfg.MaxPollBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
