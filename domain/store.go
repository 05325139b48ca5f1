package domain

import "context"

// TaskStore is the durable record collaborator. Implementations must
// provide per-record atomic read-modify-write; no cross-record
// transactions are assumed. Lookups return a nil task when the id is
// absent.
type TaskStore interface {
	Get(ctx context.Context, id string) (*Task, error)
	// List returns all tasks, filtered by status when status is non-empty.
	List(ctx context.Context, status Status) ([]Task, error)
	Insert(ctx context.Context, t Task) error
	// Update applies the non-nil patch fields and returns the resulting
	// record, or nil when the id is absent.
	Update(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	// Delete removes the record and returns it, or nil when absent.
	Delete(ctx context.Context, id string) (*Task, error)
	// MaxOrder returns the largest order value across all tasks; ok is
	// false when the store is empty.
	MaxOrder(ctx context.Context) (max int, ok bool, err error)
}
