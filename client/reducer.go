package client

import (
	"sync"

	"taskboard/domain"
)

// Reducer holds one client's ordered in-memory task list. The list is
// a cache, never a source of truth: every incoming canonical event
// overwrites whatever optimistic state it collides with.
type Reducer struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func NewReducer() *Reducer {
	return &Reducer{}
}

// SetBaseline replaces the whole list, typically with the result of the
// initial REST load, and re-sorts into canonical presentation order.
func (r *Reducer) SetBaseline(tasks []domain.Task) {
	next := make([]domain.Task, len(tasks))
	copy(next, tasks)
	domain.SortTasks(next)
	r.mu.Lock()
	r.tasks = next
	r.mu.Unlock()
}

// Tasks returns a copy of the current list in canonical order.
func (r *Reducer) Tasks() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// Apply reconciles one broadcast into the list. Applying the same event
// twice leaves the list identical to applying it once.
func (r *Reducer) Apply(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := ev.(type) {
	case domain.TaskCreated:
		// the optimistic path may have raced the broadcast
		for _, t := range r.tasks {
			if t.ID == e.Task.ID {
				return
			}
		}
		r.tasks = append(r.tasks, e.Task)
		domain.SortTasks(r.tasks)
	case domain.TaskUpdated:
		// never insert from an update event
		for i, t := range r.tasks {
			if t.ID == e.Task.ID {
				r.tasks[i] = e.Task
				// re-sort defensively; order may have changed
				domain.SortTasks(r.tasks)
				return
			}
		}
	case domain.TasksReordered:
		// the server's reorder response is authoritative and total
		next := make([]domain.Task, len(e.Tasks))
		copy(next, e.Tasks)
		domain.SortTasks(next)
		r.tasks = next
	case domain.TaskDeleted:
		for i, t := range r.tasks {
			if t.ID == e.ID {
				r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
				return
			}
		}
	case domain.ErrorEvent:
		// errors carry no state change
	}
}

// OptimisticReorder relabels order as the 0-based index of each id in
// the given on-screen sequence and applies it immediately. Ids not
// present in the list are skipped. The returned closure restores the
// pre-reorder list for the rollback path; the eventual tasksReordered
// broadcast overwrites either outcome.
func (r *Reducer) OptimisticReorder(ids []string) (revert func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]domain.Task, len(r.tasks))
	copy(snapshot, r.tasks)

	byID := make(map[string]int, len(r.tasks))
	for i, t := range r.tasks {
		byID[t.ID] = i
	}
	for idx, id := range ids {
		if i, ok := byID[id]; ok {
			r.tasks[i].Order = idx
		}
	}
	domain.SortTasks(r.tasks)

	return func() { r.restore(snapshot) }
}

// OptimisticUpdate replaces the task with a matching id in place, a
// no-op when absent. The returned closure restores the previous list.
func (r *Reducer) OptimisticUpdate(task domain.Task) (revert func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]domain.Task, len(r.tasks))
	copy(snapshot, r.tasks)

	for i, t := range r.tasks {
		if t.ID == task.ID {
			r.tasks[i] = task
			domain.SortTasks(r.tasks)
			break
		}
	}
	return func() { r.restore(snapshot) }
}

func (r *Reducer) restore(snapshot []domain.Task) {
	r.mu.Lock()
	r.tasks = snapshot
	r.mu.Unlock()
}
