package tasks

import (
	"context"
	"sort"
	"sync"
)

// DeadLetterSink stores tasks that could not be completed.
type DeadLetterSink interface {
	Put(ctx context.Context, t *Task) error
	// List returns up to limit tasks, oldest failure first. limit <= 0
	// returns all of them.
	List(ctx context.Context, limit int) ([]*Task, error)
	Delete(ctx context.Context, id string) error
}

// MemoryDeadLetters keeps dead-lettered tasks in process memory.
type MemoryDeadLetters struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryDeadLetters creates an empty sink.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{tasks: make(map[string]*Task)}
}

// Put implements DeadLetterSink.
func (m *MemoryDeadLetters) Put(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

// List implements DeadLetterSink.
func (m *MemoryDeadLetters) List(_ context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sortByFailure(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements DeadLetterSink.
func (m *MemoryDeadLetters) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// Len returns the number of stored tasks.
func (m *MemoryDeadLetters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func sortByFailure(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch {
		case a.FailedAt == nil || b.FailedAt == nil:
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		case !a.FailedAt.Equal(*b.FailedAt):
			return a.FailedAt.Before(*b.FailedAt)
		}
		return a.ID < b.ID
	})
}
