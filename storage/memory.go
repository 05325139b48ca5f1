package storage

import (
	"context"
	"sync"

	"taskboard/domain"
)

// Memory is an in-process TaskStore. Each operation is a single atomic
// read-modify-write under the mutex, matching the per-record atomicity
// the hub assumes. Used for tests and local runs without Azure.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task)}
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := t
	return &cp, nil
}

func (m *Memory) List(_ context.Context, status domain.Status) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) Insert(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) Update(_ context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Order != nil {
		t.Order = *patch.Order
	}
	t.UpdatedAt = patch.UpdatedAt
	m.tasks[id] = t
	cp := t
	return &cp, nil
}

func (m *Memory) Delete(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	delete(m.tasks, id)
	cp := t
	return &cp, nil
}

func (m *Memory) MaxOrder(_ context.Context) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.tasks) == 0 {
		return 0, false, nil
	}
	first := true
	max := 0
	for _, t := range m.tasks {
		if first || t.Order > max {
			max = t.Order
			first = false
		}
	}
	return max, true, nil
}
