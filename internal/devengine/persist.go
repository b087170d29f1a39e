package devengine

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/snapshot"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// State is the persisted form of an Engine.
type State struct {
	Tasks []Record `json:"tasks"`
}

// Snapshot copies every task in enqueue order.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := State{Tasks: make([]Record, 0, len(e.order))}
	for _, key := range e.order {
		s.Tasks = append(s.Tasks, *e.tasks[key])
	}
	return s
}

// Restore replaces the engine's tasks with s. Only the current claim of a
// locked task is honoured afterwards; older claim ids are unknown.
func (e *Engine) Restore(s State) error {
	tasks := make(map[string]*Record, len(s.Tasks))
	order := make([]string, 0, len(s.Tasks))
	claims := make(map[types.TaskID]string)

	for i := range s.Tasks {
		rec := s.Tasks[i]
		if rec.Key == "" || rec.Topic == "" {
			return fmt.Errorf("%w: task %d has no key or topic", ErrInvalidTask, i)
		}
		if _, dup := tasks[rec.Key]; dup {
			return fmt.Errorf("%w: duplicate key %s", ErrInvalidTask, rec.Key)
		}
		tasks[rec.Key] = &rec
		order = append(order, rec.Key)
		if rec.Status == StatusLocked && rec.ClaimID != "" {
			claims[rec.ClaimID] = rec.Key
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = tasks
	e.order = order
	e.claims = claims
	e.publish()
	return nil
}

// LoadSnapshot restores the engine from m. It reports false when m holds no
// snapshot yet.
func (e *Engine) LoadSnapshot(m *snapshot.Manager) (bool, error) {
	var s State
	ok, err := m.Load(&s)
	if err != nil || !ok {
		return false, err
	}
	if err := e.Restore(s); err != nil {
		return false, err
	}
	log.Info("Engine state restored", "path", m.Path(), "tasks", len(s.Tasks))
	return true, nil
}

// Persist writes a snapshot to m every interval and once more when ctx is
// cancelled.
func (e *Engine) Persist(ctx context.Context, m *snapshot.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Write(e.Snapshot()); err != nil {
				return fmt.Errorf("failed to write final snapshot: %w", err)
			}
			log.Info("Engine state saved", "path", m.Path())
			return nil
		case <-ticker.C:
			if err := m.Write(e.Snapshot()); err != nil {
				log.Error("Failed to write snapshot", "path", m.Path(), "error", err)
			}
		}
	}
}
