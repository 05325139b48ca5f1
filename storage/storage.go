package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

// boardPartition keys every task of the shared board into one
// partition so listing is a single partition scan.
const boardPartition = "board"

// Storage is the Azure Table Storage backed TaskStore.
type Storage struct {
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Order       int    `json:"Order"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func (e taskEntity) toTask() (domain.Task, error) {
	created, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("parse CreatedAt of %s: %w", e.RowKey, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("parse UpdatedAt of %s: %w", e.RowKey, err)
	}
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      domain.Status(e.Status),
		Order:       e.Order,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

func entityFromTask(t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: boardPartition, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Order:       t.Order,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func (s *Storage) Get(ctx context.Context, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	t, err := ent.toTask()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Storage) List(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + boardPartition + "'"
	if status != "" {
		filter += " and Status eq '" + string(status) + "'"
	}
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t, err := ent.toTask()
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *Storage) Insert(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(entityFromTask(t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

func (s *Storage) Update(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	// Merge-update only the provided fields, then read back the merged
	// record so callers always get the canonical version.
	updates := map[string]any{
		"PartitionKey": boardPartition,
		"RowKey":       id,
		"UpdatedAt":    patch.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if patch.Title != nil {
		updates["Title"] = *patch.Title
	}
	if patch.Description != nil {
		updates["Description"] = *patch.Description
	}
	if patch.Status != nil {
		updates["Status"] = string(*patch.Status)
	}
	if patch.Order != nil {
		updates["Order"] = *patch.Order
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return nil, err
	}
	etag := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Storage) Delete(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if _, err := s.taskTable.DeleteEntity(ctx, boardPartition, id, nil); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *Storage) MaxOrder(ctx context.Context) (int, bool, error) {
	tasks, err := s.List(ctx, "")
	if err != nil {
		return 0, false, err
	}
	if len(tasks) == 0 {
		return 0, false, nil
	}
	max := tasks[0].Order
	for _, t := range tasks[1:] {
		if t.Order > max {
			max = t.Order
		}
	}
	return max, true, nil
}
