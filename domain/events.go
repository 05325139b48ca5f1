package domain

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType names a hub-to-client broadcast kind.
type EventType string

const (
	EventTaskCreated    EventType = "taskCreated"
	EventTaskUpdated    EventType = "taskUpdated"
	EventTasksReordered EventType = "tasksReordered"
	EventTaskDeleted    EventType = "taskDeleted"
	EventError          EventType = "error"
)

// Event is a hub-originated description of a canonical state change
// (or an originator-only error). The set of implementations is closed;
// DecodeEvent rejects unknown types so new kinds cannot slip past the
// dispatch switch unnoticed.
type Event interface {
	EventType() EventType
}

// TaskCreated carries the full canonical record of a new task.
type TaskCreated struct {
	Task Task
}

func (TaskCreated) EventType() EventType { return EventTaskCreated }

// TaskUpdated carries the full post-update canonical record. The
// originator must overwrite its optimistic copy with it.
type TaskUpdated struct {
	Task Task
}

func (TaskUpdated) EventType() EventType { return EventTaskUpdated }

// TasksReordered carries the canonical records updated by a reorder
// batch, and only those.
type TasksReordered struct {
	Tasks []Task
}

func (TasksReordered) EventType() EventType { return EventTasksReordered }

// TaskDeleted announces the removal of a task.
type TaskDeleted struct {
	ID string `json:"id"`
}

func (TaskDeleted) EventType() EventType { return EventTaskDeleted }

// ErrorEvent is delivered to the originating session only.
type ErrorEvent struct {
	Message string `json:"message"`
	Detail  string `json:"error,omitempty"`
}

func (ErrorEvent) EventType() EventType { return EventError }

// Envelope is the wire frame shared by intents and events. Origin
// identifies the hub instance that emitted a broadcast so the Redis
// bridge can suppress local re-delivery.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent frames ev for the wire.
func EncodeEvent(ev Event, correlationID, origin string) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case TaskCreated:
		payload = e.Task
	case TaskUpdated:
		payload = e.Task
	case TasksReordered:
		payload = e.Tasks
	case TaskDeleted:
		payload = e
	case ErrorEvent:
		payload = e
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(Envelope{
		Type:          string(ev.EventType()),
		CorrelationID: correlationID,
		Origin:        origin,
		Data:          data,
	})
}

// DecodeEvent parses a wire frame into its closed event variant.
func DecodeEvent(b []byte) (Event, Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return nil, Envelope{}, err
	}
	switch EventType(env.Type) {
	case EventTaskCreated:
		var t Task
		if err := sonic.Unmarshal(env.Data, &t); err != nil {
			return nil, env, err
		}
		return TaskCreated{Task: t}, env, nil
	case EventTaskUpdated:
		var t Task
		if err := sonic.Unmarshal(env.Data, &t); err != nil {
			return nil, env, err
		}
		return TaskUpdated{Task: t}, env, nil
	case EventTasksReordered:
		var ts []Task
		if err := sonic.Unmarshal(env.Data, &ts); err != nil {
			return nil, env, err
		}
		return TasksReordered{Tasks: ts}, env, nil
	case EventTaskDeleted:
		var e TaskDeleted
		if err := sonic.Unmarshal(env.Data, &e); err != nil {
			return nil, env, err
		}
		return e, env, nil
	case EventError:
		var e ErrorEvent
		if err := sonic.Unmarshal(env.Data, &e); err != nil {
			return nil, env, err
		}
		return e, env, nil
	default:
		return nil, env, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// EncodeIntent frames in for the wire.
func EncodeIntent(in Intent, correlationID string) ([]byte, error) {
	data, err := sonic.Marshal(in)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(Envelope{
		Type:          in.IntentType(),
		CorrelationID: correlationID,
		Data:          data,
	})
}

// DecodeIntent parses a wire frame into its closed intent variant and
// returns the client-chosen correlation id alongside it.
func DecodeIntent(b []byte) (Intent, string, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return nil, "", err
	}
	switch env.Type {
	case IntentCreateTask:
		var in CreateTask
		if err := sonic.Unmarshal(env.Data, &in); err != nil {
			return nil, env.CorrelationID, err
		}
		return in, env.CorrelationID, nil
	case IntentUpdateTask:
		var in UpdateTask
		if err := sonic.Unmarshal(env.Data, &in); err != nil {
			return nil, env.CorrelationID, err
		}
		return in, env.CorrelationID, nil
	case IntentReorderTasks:
		var in ReorderTasks
		if err := sonic.Unmarshal(env.Data, &in); err != nil {
			return nil, env.CorrelationID, err
		}
		return in, env.CorrelationID, nil
	case IntentDeleteTask:
		var in DeleteTask
		if err := sonic.Unmarshal(env.Data, &in); err != nil {
			return nil, env.CorrelationID, err
		}
		return in, env.CorrelationID, nil
	default:
		return nil, env.CorrelationID, fmt.Errorf("unknown intent type %q", env.Type)
	}
}
