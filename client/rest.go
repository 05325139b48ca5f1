package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// apiResponse mirrors the server's `{success, data, message}` envelope.
type apiResponse struct {
	Success bool                    `json:"success"`
	Data    json.RawMessage         `json:"data"`
	Message string                  `json:"message"`
	Error   string                  `json:"error"`
	Count   *int                    `json:"count"`
	Failed  []domain.ReorderFailure `json:"failed"`
}

// APIClient talks to the collaborator REST surface. The reducer uses
// it for the baseline load; writes through it carry the same semantics
// as channel intents and broadcast to every connected session.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAPIClient creates a client for the given server base URL, e.g.
// "http://localhost:8080".
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	buf := new(bytes.Buffer)
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf.Write(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return &env, domain.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		return &env, fmt.Errorf("%s %s: %s", method, path, msg)
	}
	return &env, nil
}

// ListTasks fetches all tasks, optionally filtered by status. The
// server returns them in canonical presentation order.
func (c *APIClient) ListTasks(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(env.Data, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task by id.
func (c *APIClient) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var task domain.Task
	if err := sonic.Unmarshal(env.Data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask persists a new task and returns the canonical record.
func (c *APIClient) CreateTask(ctx context.Context, in domain.CreateTask) (*domain.Task, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/tasks", in)
	if err != nil {
		return nil, err
	}
	var task domain.Task
	if err := sonic.Unmarshal(env.Data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask patches a task and returns the canonical post-update
// record.
func (c *APIClient) UpdateTask(ctx context.Context, in domain.UpdateTask) (*domain.Task, error) {
	env, err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(in.ID), in)
	if err != nil {
		return nil, err
	}
	var task domain.Task
	if err := sonic.Unmarshal(env.Data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ReorderTasks applies a reorder batch. Per-entry failures come back in
// the result rather than failing the request.
func (c *APIClient) ReorderTasks(ctx context.Context, in domain.ReorderTasks) (*domain.ReorderResult, error) {
	env, err := c.do(ctx, http.MethodPut, "/api/tasks/reorder", in)
	if err != nil {
		return nil, err
	}
	var updated []domain.Task
	if len(env.Data) > 0 {
		if err := sonic.Unmarshal(env.Data, &updated); err != nil {
			return nil, err
		}
	}
	return &domain.ReorderResult{Updated: updated, Failed: env.Failed}, nil
}

// DeleteTask removes a task and returns the removed record.
func (c *APIClient) DeleteTask(ctx context.Context, id string) (*domain.Task, error) {
	env, err := c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var task domain.Task
	if err := sonic.Unmarshal(env.Data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
