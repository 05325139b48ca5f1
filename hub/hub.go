// Package hub implements the server-side consistency authority: every
// change intent is validated here, persisted through the task store,
// and fanned out to all connected sessions, including the originator.
// Clients never treat their optimistic state as final.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

// receiver is one attached session from the hub's point of view.
// deliver must not block; returning false marks the session as too
// slow to keep, and the hub drops it.
type receiver interface {
	deliver(msg []byte) bool
	close()
}

// session is the surface the intent dispatcher needs: broadcast
// delivery plus an originator-only event path for errors.
type session interface {
	receiver
	sendEvent(ev domain.Event, correlationID string)
}

// Hub owns the set of connected sessions and is the only writer of the
// task store.
type Hub struct {
	store  domain.TaskStore
	log    *log.Logger
	tracer trace.Tracer

	// instanceID tags outgoing envelopes so the Redis bridge can skip
	// events this instance already delivered locally.
	instanceID string

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	sessions map[receiver]struct{}
	publish  func(ctx context.Context, payload []byte)
}

// New creates a Hub writing through store.
func New(store domain.TaskStore, logger *log.Logger) *Hub {
	if store == nil {
		panic("hub.New: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		store:      store,
		log:        logger,
		tracer:     otel.Tracer("taskboard/hub"),
		instanceID: uuid.NewString(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		sessions:   make(map[receiver]struct{}),
	}
}

func (h *Hub) attach(r receiver) {
	h.mu.Lock()
	h.sessions[r] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.WithField("sessions", n).Debug("session attached")
}

func (h *Hub) detach(r receiver) {
	h.mu.Lock()
	delete(h.sessions, r)
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.WithField("sessions", n).Debug("session detached")
}

// broadcastLocal delivers an already-framed payload to every attached
// session. Sessions that cannot keep up are dropped; their client
// reconnects and reloads the baseline.
func (h *Hub) broadcastLocal(payload []byte) {
	h.mu.Lock()
	var slow []receiver
	for r := range h.sessions {
		if !r.deliver(payload) {
			slow = append(slow, r)
		}
	}
	for _, r := range slow {
		delete(h.sessions, r)
	}
	h.mu.Unlock()
	for _, r := range slow {
		h.log.Warn("dropping slow session")
		r.close()
	}
}

// broadcast frames ev and delivers it to all sessions of all
// instances. Fan-out is unconditional: no filtering, no rooms, sender
// included.
func (h *Hub) broadcast(ctx context.Context, ev domain.Event, correlationID string) {
	payload, err := domain.EncodeEvent(ev, correlationID, h.instanceID)
	if err != nil {
		h.log.Errorf("encode %s broadcast: %v", ev.EventType(), err)
		return
	}
	h.broadcastLocal(payload)
	h.mu.Lock()
	publish := h.publish
	h.mu.Unlock()
	if publish != nil {
		publish(ctx, payload)
	}
}

func (h *Hub) setPublisher(fn func(ctx context.Context, payload []byte)) {
	h.mu.Lock()
	h.publish = fn
	h.mu.Unlock()
}

// CreateTask persists a new task and broadcasts it. When the intent
// carries no order, the default is the current maximum plus one (0 for
// an empty store), read fresh per request. Two concurrent creates may
// receive the same default; the canonical sort's id tiebreak keeps the
// rendered order deterministic regardless.
func (h *Hub) CreateTask(ctx context.Context, in domain.CreateTask, correlationID string) (domain.Task, error) {
	ctx, span := h.tracer.Start(ctx, "hub.createTask")
	defer span.End()

	if err := in.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, err
	}

	order := 0
	if in.Order != nil {
		order = *in.Order
	} else {
		max, ok, err := h.store.MaxOrder(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.Task{}, &domain.StoreError{Op: "maxOrder", Err: err}
		}
		if ok {
			order = max + 1
		}
	}

	status := domain.StatusTodo
	if in.Status != nil {
		status = *in.Status
	}

	now := h.now()
	task := domain.Task{
		ID:          h.newID(),
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Status:      status,
		Order:       order,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.Insert(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, &domain.StoreError{Op: "insert", Err: err}
	}

	h.log.WithFields(log.Fields{"task": task.ID, "order": task.Order}).Info("task created")
	h.broadcast(ctx, domain.TaskCreated{Task: task}, correlationID)
	return task, nil
}

// UpdateTask applies a partial patch and broadcasts the post-update
// canonical record. Fields absent from the intent are untouched.
func (h *Hub) UpdateTask(ctx context.Context, in domain.UpdateTask, correlationID string) (domain.Task, error) {
	ctx, span := h.tracer.Start(ctx, "hub.updateTask")
	defer span.End()

	if err := in.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, err
	}

	patch := domain.TaskPatch{
		Status:    in.Status,
		Order:     in.Order,
		UpdatedAt: h.now(),
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		patch.Title = &title
	}
	if in.Description != nil {
		desc := strings.TrimSpace(*in.Description)
		patch.Description = &desc
	}

	task, err := h.store.Update(ctx, in.ID, patch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, &domain.StoreError{Op: "update", Err: err}
	}
	if task == nil {
		span.SetStatus(codes.Error, domain.ErrNotFound.Error())
		return domain.Task{}, domain.ErrNotFound
	}

	h.log.WithField("task", task.ID).Info("task updated")
	h.broadcast(ctx, domain.TaskUpdated{Task: *task}, correlationID)
	return *task, nil
}

// ReorderTasks applies each entry of the batch independently and in
// parallel; one failed entry does not roll back the rest. Failures are
// reported per entry in the result, and the broadcast carries exactly
// the records that were updated.
func (h *Hub) ReorderTasks(ctx context.Context, in domain.ReorderTasks, correlationID string) (domain.ReorderResult, error) {
	ctx, span := h.tracer.Start(ctx, "hub.reorderTasks")
	defer span.End()

	if err := in.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.ReorderResult{}, err
	}

	now := h.now()
	type entryResult struct {
		task *domain.Task
		err  error
	}
	results := make([]entryResult, len(in.Tasks))
	var wg sync.WaitGroup
	for i, entry := range in.Tasks {
		wg.Add(1)
		go func(i int, entry domain.ReorderEntry) {
			defer wg.Done()
			order := entry.Order
			task, err := h.store.Update(ctx, entry.ID, domain.TaskPatch{Order: &order, UpdatedAt: now})
			results[i] = entryResult{task: task, err: err}
		}(i, entry)
	}
	wg.Wait()

	res := domain.ReorderResult{Updated: make([]domain.Task, 0, len(in.Tasks))}
	for i, r := range results {
		switch {
		case r.err != nil:
			res.Failed = append(res.Failed, domain.ReorderFailure{ID: in.Tasks[i].ID, Reason: r.err.Error()})
		case r.task == nil:
			res.Failed = append(res.Failed, domain.ReorderFailure{ID: in.Tasks[i].ID, Reason: domain.ErrNotFound.Error()})
		default:
			res.Updated = append(res.Updated, *r.task)
		}
	}

	h.log.WithFields(log.Fields{"updated": len(res.Updated), "failed": len(res.Failed)}).Info("tasks reordered")
	if len(res.Updated) > 0 {
		h.broadcast(ctx, domain.TasksReordered{Tasks: res.Updated}, correlationID)
	}
	return res, nil
}

// DeleteTask removes a task permanently and broadcasts the removal.
func (h *Hub) DeleteTask(ctx context.Context, in domain.DeleteTask, correlationID string) (domain.Task, error) {
	ctx, span := h.tracer.Start(ctx, "hub.deleteTask")
	defer span.End()

	if err := in.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, err
	}

	task, err := h.store.Delete(ctx, in.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, &domain.StoreError{Op: "delete", Err: err}
	}
	if task == nil {
		span.SetStatus(codes.Error, domain.ErrNotFound.Error())
		return domain.Task{}, domain.ErrNotFound
	}

	h.log.WithField("task", task.ID).Info("task deleted")
	h.broadcast(ctx, domain.TaskDeleted{ID: task.ID}, correlationID)
	return *task, nil
}

// dispatch handles one intent frame from a session. Errors go back to
// the originator only; they are never broadcast.
func (h *Hub) dispatch(ctx context.Context, s session, data []byte) {
	in, correlationID, err := domain.DecodeIntent(data)
	if err != nil {
		s.sendEvent(domain.ErrorEvent{Message: "malformed intent", Detail: err.Error()}, correlationID)
		return
	}

	switch intent := in.(type) {
	case domain.CreateTask:
		if _, err := h.CreateTask(ctx, intent, correlationID); err != nil {
			s.sendEvent(errorEventFor("create", err), correlationID)
		}
	case domain.UpdateTask:
		if _, err := h.UpdateTask(ctx, intent, correlationID); err != nil {
			s.sendEvent(errorEventFor("update", err), correlationID)
		}
	case domain.ReorderTasks:
		res, err := h.ReorderTasks(ctx, intent, correlationID)
		if err != nil {
			s.sendEvent(errorEventFor("reorder", err), correlationID)
			return
		}
		if len(res.Failed) > 0 {
			ids := make([]string, len(res.Failed))
			for i, f := range res.Failed {
				ids[i] = f.ID
			}
			s.sendEvent(domain.ErrorEvent{
				Message: "some tasks could not be reordered",
				Detail:  strings.Join(ids, ","),
			}, correlationID)
		}
	case domain.DeleteTask:
		if _, err := h.DeleteTask(ctx, intent, correlationID); err != nil {
			s.sendEvent(errorEventFor("delete", err), correlationID)
		}
	}
}

func errorEventFor(op string, err error) domain.ErrorEvent {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return domain.ErrorEvent{Message: verr.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return domain.ErrorEvent{Message: "Task not found"}
	default:
		return domain.ErrorEvent{Message: "Failed to " + op + " task", Detail: err.Error()}
	}
}
