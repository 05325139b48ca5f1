package domain

import (
	"strings"
	"unicode/utf8"
)

// Intent names carried on the wire, client to hub.
const (
	IntentCreateTask   = "createTask"
	IntentUpdateTask   = "updateTask"
	IntentReorderTasks = "reorderTasks"
	IntentDeleteTask   = "deleteTask"
)

// Intent is a client-originated request to change task state. The set
// of implementations is closed; DecodeIntent rejects anything else.
type Intent interface {
	IntentType() string
	Validate() error
}

// CreateTask asks the hub to persist a new task. Order defaults to the
// current maximum plus one when nil.
type CreateTask struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
	Order       *int    `json:"order,omitempty"`
}

func (CreateTask) IntentType() string { return IntentCreateTask }

func (c CreateTask) Validate() error {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if utf8.RuneCountInString(title) > TitleMaxLen {
		return &ValidationError{Field: "title", Reason: "exceeds 200 characters"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(c.Description)) > DescriptionMaxLen {
		return &ValidationError{Field: "description", Reason: "exceeds 1000 characters"}
	}
	if c.Status != nil && !c.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown value"}
	}
	return nil
}

// UpdateTask patches an existing task. Nil fields are untouched, not
// cleared.
type UpdateTask struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
	Order       *int    `json:"order,omitempty"`
}

func (UpdateTask) IntentType() string { return IntentUpdateTask }

func (u UpdateTask) Validate() error {
	if u.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return &ValidationError{Field: "title", Reason: "is required"}
		}
		if utf8.RuneCountInString(title) > TitleMaxLen {
			return &ValidationError{Field: "title", Reason: "exceeds 200 characters"}
		}
	}
	if u.Description != nil && utf8.RuneCountInString(strings.TrimSpace(*u.Description)) > DescriptionMaxLen {
		return &ValidationError{Field: "description", Reason: "exceeds 1000 characters"}
	}
	if u.Status != nil && !u.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown value"}
	}
	return nil
}

// ReorderEntry assigns a new order value to one task.
type ReorderEntry struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// ReorderTasks relabels the order of several tasks at once. Entries are
// applied independently; there is no atomicity across them.
type ReorderTasks struct {
	Tasks []ReorderEntry `json:"tasks"`
}

func (ReorderTasks) IntentType() string { return IntentReorderTasks }

func (r ReorderTasks) Validate() error {
	if len(r.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Reason: "is required"}
	}
	for _, e := range r.Tasks {
		if e.ID == "" {
			return &ValidationError{Field: "tasks", Reason: "entry missing id"}
		}
	}
	return nil
}

// DeleteTask removes a task permanently.
type DeleteTask struct {
	ID string `json:"id"`
}

func (DeleteTask) IntentType() string { return IntentDeleteTask }

func (d DeleteTask) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	return nil
}

// ReorderFailure records one entry of a reorder batch that could not be
// applied.
type ReorderFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ReorderResult is the outcome of a reorder batch. Failures are
// reported per entry instead of being dropped; successfully updated
// records are canonical.
type ReorderResult struct {
	Updated []Task           `json:"updated"`
	Failed  []ReorderFailure `json:"failed,omitempty"`
}
