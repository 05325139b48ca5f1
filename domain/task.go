package domain

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a task. Transitions between any two
// statuses are allowed.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

const (
	TitleMaxLen       = 200
	DescriptionMaxLen = 1000
)

// Task represents a single board item. IDs and timestamps are assigned
// by the hub at persistence time and never by clients.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Order       int       `json:"order"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskPatch carries the fields of a partial update. Nil fields are left
// untouched by the store.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *Status
	Order       *int
	UpdatedAt   time.Time
}

// Less defines the canonical presentation order used by every client:
// order ascending, then createdAt descending, then id. The id tiebreak
// makes the order a total function of the record set, so duplicate
// order values still render identically everywhere.
func Less(a, b Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortTasks sorts ts in place into the canonical presentation order.
func SortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool { return Less(ts[i], ts[j]) })
}
