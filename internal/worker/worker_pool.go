// ============================================================================
// Worker Pool - bounded concurrent task execution
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Runs up to max_tasks claimed tasks at the same time.
//
// Design:
//   A fixed number of goroutines read jobs from a channel whose buffer equals
//   the pool size. A job is admitted only while fewer than size jobs are in
//   flight, so Submit never blocks and the poller can ask for exactly Free()
//   tasks.
//
//   ┌─────────┐  Submit()   ┌──────────┐
//   │ Poller  │ ──────────> │  jobCh   │ ──> goroutine 1..size
//   └─────────┘             └──────────┘
//        ^                                      │
//        └──────────── Idle() <─── job done ────┘
//
// Lifecycle:
//   1. NewPool(size) - create the pool
//   2. Start()       - launch the goroutines
//   3. Submit(job)   - admit a job if a slot is free
//   4. Stop()        - refuse new jobs, wait for running ones
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
)

var (
	// ErrPoolClosed means the pool was stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull means every slot is busy.
	ErrPoolFull = errors.New("worker pool is full")
)

// Pool runs jobs on a fixed set of goroutines.
type Pool struct {
	size     int
	jobCh    chan func()
	idleCh   chan struct{}
	inFlight atomic.Int32
	metrics  *metrics.Collector

	wg      sync.WaitGroup
	mu      sync.RWMutex // guards started, stopped and sends on jobCh
	started bool
	stopped bool
}

// NewPool creates a pool running at most size jobs at once.
func NewPool(size int, collector *metrics.Collector) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		jobCh:   make(chan func(), size),
		idleCh:  make(chan struct{}, 1),
		metrics: collector,
	}
}

// Start launches the goroutines.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobCh {
				job()
				p.metrics.SetInFlight(int(p.inFlight.Add(-1)))
				select {
				case p.idleCh <- struct{}{}:
				default:
				}
			}
		}()
	}
	p.started = true
	return nil
}

// Submit admits job if a slot is free.
func (p *Pool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	for {
		n := p.inFlight.Load()
		if int(n) >= p.size {
			return ErrPoolFull
		}
		if p.inFlight.CompareAndSwap(n, n+1) {
			p.metrics.SetInFlight(int(n + 1))
			break
		}
	}
	// buffer == size and inFlight < size, so this never blocks
	p.jobCh <- job
	return nil
}

// Free returns the number of jobs that can be admitted now.
func (p *Pool) Free() int {
	return p.size - int(p.inFlight.Load())
}

// InFlight returns the number of admitted, unfinished jobs.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return p.size
}

// Idle is signalled whenever a job finishes.
func (p *Pool) Idle() <-chan struct{} {
	return p.idleCh
}

// Stop refuses new jobs and waits for admitted ones to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobCh)
	p.mu.Unlock()

	p.wg.Wait()
}
