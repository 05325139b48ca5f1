package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/storage"
)

type fakeSession struct {
	mu         sync.Mutex
	broadcasts []domain.Event
	corrIDs    []string
	events     []domain.Event
	full       bool
	closed     bool
}

func (f *fakeSession) deliver(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	ev, env, err := domain.DecodeEvent(msg)
	if err != nil {
		panic(fmt.Sprintf("broadcast frame did not decode: %v", err))
	}
	f.broadcasts = append(f.broadcasts, ev)
	f.corrIDs = append(f.corrIDs, env.CorrelationID)
	return true
}

func (f *fakeSession) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) sendEvent(ev domain.Event, correlationID string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeSession) lastBroadcast(t *testing.T) domain.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		t.Fatal("expected a broadcast")
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func newTestHub(t *testing.T) (*Hub, *storage.Memory) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMemory()
	h := New(store, logger)

	var idSeq, clock int
	var mu sync.Mutex
	h.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		idSeq++
		return fmt.Sprintf("t%d", idSeq)
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock++
		return base.Add(time.Duration(clock) * time.Second)
	}
	return h, store
}

func TestCreateTaskDefaultOrder(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	a, err := h.CreateTask(ctx, domain.CreateTask{Title: "first"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Order != 0 {
		t.Fatalf("expected order 0 on empty store, got %d", a.Order)
	}
	if a.ID == "" || a.Status != domain.StatusTodo || !a.CreatedAt.Equal(a.UpdatedAt) {
		t.Fatalf("server-assigned fields wrong: %+v", a)
	}

	b, err := h.CreateTask(ctx, domain.CreateTask{Title: "second"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Order != 1 {
		t.Fatalf("expected order max+1 = 1, got %d", b.Order)
	}
}

func TestCreateTaskExplicitOrderVerbatim(t *testing.T) {
	h, _ := newTestHub(t)
	order := -5
	got, err := h.CreateTask(context.Background(), domain.CreateTask{Title: "t", Order: &order}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Order != -5 {
		t.Fatalf("expected explicit order used verbatim, got %d", got.Order)
	}
}

func TestCreateTaskValidationNotBroadcast(t *testing.T) {
	h, _ := newTestHub(t)
	sess := &fakeSession{}
	h.attach(sess)

	_, err := h.CreateTask(context.Background(), domain.CreateTask{Title: "  "}, "")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(sess.broadcasts) != 0 {
		t.Fatalf("validation failures must not broadcast, got %v", sess.broadcasts)
	}
}

func TestBroadcastReachesAllSessionsIncludingSender(t *testing.T) {
	h, _ := newTestHub(t)
	origin := &fakeSession{}
	other := &fakeSession{}
	h.attach(origin)
	h.attach(other)

	in, _ := domain.EncodeIntent(domain.CreateTask{Title: "shared"}, "corr-7")
	h.dispatch(context.Background(), origin, in)

	for _, sess := range []*fakeSession{origin, other} {
		ev := sess.lastBroadcast(t)
		created, ok := ev.(domain.TaskCreated)
		if !ok {
			t.Fatalf("expected TaskCreated, got %T", ev)
		}
		if created.Task.Title != "shared" {
			t.Fatalf("unexpected task: %+v", created.Task)
		}
		if sess.corrIDs[len(sess.corrIDs)-1] != "corr-7" {
			t.Fatalf("correlation id not echoed: %v", sess.corrIDs)
		}
	}
}

func TestUpdateTaskPatchSemantics(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	created, _ := h.CreateTask(ctx, domain.CreateTask{Title: "original", Description: "keep me"}, "")

	status := domain.StatusInProgress
	updated, err := h.UpdateTask(ctx, domain.UpdateTask{ID: created.ID, Status: &status}, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "original" || updated.Description != "keep me" || updated.Order != created.Order {
		t.Fatalf("omitted fields changed: %+v", updated)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("patched field not applied: %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("updatedAt must advance: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("createdAt is immutable")
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	h, _ := newTestHub(t)
	title := "x"
	_, err := h.UpdateTask(context.Background(), domain.UpdateTask{ID: "missing", Title: &title}, "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReorderTasksPartialFailure(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	sess := &fakeSession{}
	h.attach(sess)

	a, _ := h.CreateTask(ctx, domain.CreateTask{Title: "a"}, "")
	b, _ := h.CreateTask(ctx, domain.CreateTask{Title: "b"}, "")

	res, err := h.ReorderTasks(ctx, domain.ReorderTasks{Tasks: []domain.ReorderEntry{
		{ID: b.ID, Order: 0},
		{ID: "ghost", Order: 1},
		{ID: a.ID, Order: 2},
	}}, "")
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(res.Updated) != 2 || len(res.Failed) != 1 || res.Failed[0].ID != "ghost" {
		t.Fatalf("unexpected batch result: %+v", res)
	}

	ev := sess.lastBroadcast(t)
	reordered, ok := ev.(domain.TasksReordered)
	if !ok {
		t.Fatalf("expected TasksReordered, got %T", ev)
	}
	if len(reordered.Tasks) != 2 {
		t.Fatalf("broadcast must contain exactly the updated records, got %+v", reordered.Tasks)
	}
	orders := map[string]int{}
	for _, task := range reordered.Tasks {
		orders[task.ID] = task.Order
	}
	if orders[b.ID] != 0 || orders[a.ID] != 2 {
		t.Fatalf("requested orders not applied: %v", orders)
	}
}

func TestReorderEmptyBatchRejected(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.ReorderTasks(context.Background(), domain.ReorderTasks{}, "")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	h, store := newTestHub(t)
	ctx := context.Background()
	sess := &fakeSession{}
	h.attach(sess)

	created, _ := h.CreateTask(ctx, domain.CreateTask{Title: "doomed"}, "")
	got, err := h.DeleteTask(ctx, domain.DeleteTask{ID: created.ID}, "")
	if err != nil || got.ID != created.ID {
		t.Fatalf("delete: %+v, %v", got, err)
	}
	ev := sess.lastBroadcast(t)
	deleted, ok := ev.(domain.TaskDeleted)
	if !ok || deleted.ID != created.ID {
		t.Fatalf("expected TaskDeleted for %s, got %#v", created.ID, ev)
	}
	if left, _ := store.List(ctx, ""); len(left) != 0 {
		t.Fatalf("record not removed: %+v", left)
	}

	if _, err := h.DeleteTask(ctx, domain.DeleteTask{ID: created.ID}, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDispatchErrorsGoToOriginatorOnly(t *testing.T) {
	h, _ := newTestHub(t)
	origin := &fakeSession{}
	other := &fakeSession{}
	h.attach(origin)
	h.attach(other)

	in, _ := domain.EncodeIntent(domain.UpdateTask{ID: "missing"}, "corr-1")
	h.dispatch(context.Background(), origin, in)

	if len(origin.events) != 1 {
		t.Fatalf("expected one error event at originator, got %v", origin.events)
	}
	errEv, ok := origin.events[0].(domain.ErrorEvent)
	if !ok || errEv.Message != "Task not found" {
		t.Fatalf("unexpected error event: %#v", origin.events[0])
	}
	if len(other.events) != 0 || len(other.broadcasts) != 0 {
		t.Fatalf("errors must never broadcast: %v %v", other.events, other.broadcasts)
	}
}

func TestDispatchReportsReorderFailures(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	origin := &fakeSession{}
	h.attach(origin)

	a, _ := h.CreateTask(ctx, domain.CreateTask{Title: "a"}, "")
	in, _ := domain.EncodeIntent(domain.ReorderTasks{Tasks: []domain.ReorderEntry{
		{ID: a.ID, Order: 3},
		{ID: "ghost", Order: 4},
	}}, "corr-2")
	h.dispatch(ctx, origin, in)

	if len(origin.events) != 1 {
		t.Fatalf("expected failure report, got %v", origin.events)
	}
	errEv := origin.events[0].(domain.ErrorEvent)
	if errEv.Detail != "ghost" {
		t.Fatalf("expected failed id in report, got %#v", errEv)
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	h, _ := newTestHub(t)
	slow := &fakeSession{full: true}
	ok := &fakeSession{}
	h.attach(slow)
	h.attach(ok)

	if _, err := h.CreateTask(context.Background(), domain.CreateTask{Title: "t"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	slow.mu.Lock()
	closed := slow.closed
	slow.mu.Unlock()
	if !closed {
		t.Fatal("expected slow session to be closed")
	}
	h.mu.Lock()
	_, attached := h.sessions[receiver(slow)]
	h.mu.Unlock()
	if attached {
		t.Fatal("expected slow session to be detached")
	}
	if len(ok.broadcasts) != 1 {
		t.Fatalf("healthy session must still receive the broadcast, got %v", ok.broadcasts)
	}
}

// Mirrors the board lifecycle end to end: defaults, reorder, delete,
// then a fresh load as a reconnecting client would perform.
func TestBoardLifecycleScenario(t *testing.T) {
	h, store := newTestHub(t)
	ctx := context.Background()

	a, _ := h.CreateTask(ctx, domain.CreateTask{Title: "A"}, "")
	if a.Order != 0 {
		t.Fatalf("A order = %d, want 0", a.Order)
	}
	b, _ := h.CreateTask(ctx, domain.CreateTask{Title: "B"}, "")
	if b.Order != 1 {
		t.Fatalf("B order = %d, want 1", b.Order)
	}

	res, err := h.ReorderTasks(ctx, domain.ReorderTasks{Tasks: []domain.ReorderEntry{
		{ID: b.ID, Order: 0},
		{ID: a.ID, Order: 1},
	}}, "")
	if err != nil || len(res.Failed) != 0 {
		t.Fatalf("reorder: %+v, %v", res, err)
	}

	tasks, _ := store.List(ctx, "")
	domain.SortTasks(tasks)
	if tasks[0].ID != b.ID || tasks[1].ID != a.ID {
		t.Fatalf("expected display order B, A; got %s, %s", tasks[0].ID, tasks[1].ID)
	}

	if _, err := h.DeleteTask(ctx, domain.DeleteTask{ID: a.ID}, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}

	reloaded, _ := store.List(ctx, "")
	if len(reloaded) != 1 || reloaded[0].ID != b.ID {
		t.Fatalf("reload should reproduce the single-task state, got %+v", reloaded)
	}
}

// Two sessions race updates to the same task: one broadcast per
// intent, and the persisted status is whichever update landed last.
func TestRacingStatusUpdatesConverge(t *testing.T) {
	h, store := newTestHub(t)
	ctx := context.Background()
	s1 := &fakeSession{}
	s2 := &fakeSession{}
	h.attach(s1)
	h.attach(s2)

	created, _ := h.CreateTask(ctx, domain.CreateTask{Title: "contested"}, "")

	inProgress := domain.StatusInProgress
	completed := domain.StatusCompleted
	if _, err := h.UpdateTask(ctx, domain.UpdateTask{ID: created.ID, Status: &inProgress}, ""); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if _, err := h.UpdateTask(ctx, domain.UpdateTask{ID: created.ID, Status: &completed}, ""); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	// create + two updates
	if len(s1.broadcasts) != 3 || len(s2.broadcasts) != 3 {
		t.Fatalf("expected exactly one broadcast per intent: %d, %d", len(s1.broadcasts), len(s2.broadcasts))
	}

	final, _ := store.Get(ctx, created.ID)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("last write must win, got %s", final.Status)
	}
	for _, sess := range []*fakeSession{s1, s2} {
		last := sess.broadcasts[len(sess.broadcasts)-1].(domain.TaskUpdated)
		if last.Task.Status != final.Status {
			t.Fatalf("session diverged from store: %s vs %s", last.Task.Status, final.Status)
		}
	}
}

func TestLateSendAfterSlowSessionDrop(t *testing.T) {
	h, _ := newTestHub(t)
	s := &Session{
		hub:  h,
		send: make(chan []byte, 1),
		log:  h.log.WithField("remote", "test"),
	}
	s.send <- []byte("stall") // full buffer: the next broadcast drops the session
	h.attach(s)

	if _, err := h.CreateTask(context.Background(), domain.CreateTask{Title: "drop trigger"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	// the hub has dropped and closed the session; the readPump may still
	// be mid-dispatch, so a late originator-only event must be a no-op
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("sendEvent after slow drop panicked: %v", r)
		}
	}()
	s.sendEvent(domain.ErrorEvent{Message: "late"}, "")
	if s.deliver([]byte("late")) {
		t.Fatal("deliver must report failure on a closed session")
	}
	s.close() // idempotent
}
