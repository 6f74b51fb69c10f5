// Package storage provides the persistence collaborators: aztables for
// tasks and identities, redis for chat history and command idempotency.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"taskhub/domain"
)

// All tasks share one partition: the board is shared by every user, and a
// single-partition scan serves the full list.
const tasksPartition = "tasks"

// Storage provides access to the task and identity tables.
type Storage struct {
	taskTable     *aztables.Client
	identityTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, identitiesTable string) (*Storage, error) {
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
	return &Storage{
		taskTable:     svc.NewClient(tasksTable),
		identityTable: svc.NewClient(identitiesTable),
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority"`
	ParentID    string `json:"ParentId"`
	AssigneeID  string `json:"AssigneeId"`
	DueDate     string `json:"DueDate"`
	CreatedByID string `json:"CreatedById"`
	CreatedAt   int64  `json:"CreatedAt"`
	UpdatedAt   int64  `json:"UpdatedAt"`
	Version     int64  `json:"Version"`
}

// FindByID loads one task; (nil, nil) when the row does not exist.
func (s *Storage) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, tasksPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	task, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// FindByParentID lists the subtasks of the given parent.
func (s *Storage) FindByParentID(ctx context.Context, parentID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + tasksPartition + "' and ParentId eq '" + parentID + "'"
	return s.listTasks(ctx, &filter)
}

// FetchTasks retrieves the whole shared task list.
func (s *Storage) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	return s.listTasks(ctx, &filter)
}

func (s *Storage) listTasks(ctx context.Context, filter *string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			task, err := decodeTaskEntity(raw)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// Save writes the full row, assigning the id on first save.
func (s *Storage) Save(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	payload, err := json.Marshal(encodeTaskEntity(t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// Delete removes the task row and every subtask row under it. Cascaded rows
// raise no events; only the parent's deletion was recorded by the aggregate.
func (s *Storage) Delete(ctx context.Context, t *domain.Task) error {
	subtasks, err := s.FindByParentID(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, sub := range subtasks {
		if _, err := s.taskTable.DeleteEntity(ctx, tasksPartition, sub.ID, nil); err != nil && !isNotFound(err) {
			return err
		}
	}
	if _, err := s.taskTable.DeleteEntity(ctx, tasksPartition, t.ID, nil); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

type identityEntity struct {
	aztables.Entity
	Label string `json:"Label"`
}

// FindIdentityByID resolves a known identity; (nil, nil) when unknown.
func (s *Storage) FindIdentityByID(ctx context.Context, id string) (*domain.Identity, error) {
	resp, err := s.identityTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	ident, err := decodeIdentityEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Priority:    domain.Priority(ent.Priority),
		ParentID:    ent.ParentID,
		AssigneeID:  ent.AssigneeID,
		CreatedByID: ent.CreatedByID,
		CreatedAt:   time.UnixMilli(ent.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(ent.UpdatedAt).UTC(),
		Version:     ent.Version,
	}
	if ent.DueDate != "" {
		due, err := time.Parse("2006-01-02", ent.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		task.DueDate = &due
	}
	return task, nil
}

func encodeTaskEntity(t *domain.Task) taskEntity {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: tasksPartition, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		ParentID:    t.ParentID,
		AssigneeID:  t.AssigneeID,
		CreatedByID: t.CreatedByID,
		CreatedAt:   t.CreatedAt.UnixMilli(),
		UpdatedAt:   t.UpdatedAt.UnixMilli(),
		Version:     t.Version,
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.Format("2006-01-02")
	}
	return ent
}

func decodeIdentityEntity(data []byte) (domain.Identity, error) {
	var ent identityEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{ID: ent.RowKey, Label: ent.Label}, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
