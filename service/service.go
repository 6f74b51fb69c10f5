// Package service orchestrates the task lifecycle use cases: cross-entity
// lookups, aggregate mutation, persistence and the event flush.
package service

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/bus"
	"taskhub/domain"
)

const dueDateLayout = "2006-01-02"

// TaskStore is the persistence contract for task aggregates. Lookups return
// (nil, nil) when the row is absent; the service turns that into a
// NotFoundError.
type TaskStore interface {
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	FindByParentID(ctx context.Context, parentID string) ([]domain.Task, error)
	// Save assigns the id on first save and writes the full row.
	Save(ctx context.Context, t *domain.Task) error
	// Delete removes the row and cascades over its subtasks.
	Delete(ctx context.Context, t *domain.Task) error
}

// IdentityStore resolves known identities; (nil, nil) means unknown.
type IdentityStore interface {
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
}

// Service runs the task use cases. Domain and use-case errors are
// deterministic and surface unchanged; a failed event flush is logged but
// does not undo the persisted write.
type Service struct {
	tasks      TaskStore
	identities IdentityStore
	bus        *bus.Bus
	log        *log.Logger
}

func New(tasks TaskStore, identities IdentityStore, b *bus.Bus, logger *log.Logger) *Service {
	return &Service{tasks: tasks, identities: identities, bus: b, log: logger}
}

// CreateTask validates the command's cross-entity references, builds the
// aggregate, persists it and flushes the raised events.
func (s *Service) CreateTask(ctx context.Context, cmd domain.CreateTaskCommand) (*domain.Task, error) {
	due, err := parseDueDate(cmd.DueDate)
	if err != nil {
		return nil, err
	}
	if cmd.ParentID != "" {
		parent, err := s.tasks.FindByID(ctx, cmd.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, domain.NotFoundError{Entity: "task", ID: cmd.ParentID}
		}
	} else {
		assignee := cmd.AssigneeID
		if assignee == "" {
			assignee = cmd.CreatedByID
		}
		known, err := s.identities.FindByID(ctx, assignee)
		if err != nil {
			return nil, err
		}
		if known == nil {
			return nil, domain.NotFoundError{Entity: "identity", ID: assignee}
		}
	}

	task, err := domain.NewTask(domain.NewTaskInput{
		Title:       cmd.Title,
		CreatedByID: cmd.CreatedByID,
		Description: cmd.Description,
		Priority:    domain.Priority(cmd.Priority),
		AssigneeID:  cmd.AssigneeID,
		ParentID:    cmd.ParentID,
		DueDate:     due,
	})
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	s.flush(ctx, task)
	return task, nil
}

// UpdateTask applies each present command field through the corresponding
// guarded aggregate operation, persists once and flushes once. The subtask
// set is loaded only when the status moves to COMPLETED.
func (s *Service) UpdateTask(ctx context.Context, cmd domain.UpdateTaskCommand) (*domain.Task, error) {
	task, err := s.tasks.FindByID(ctx, cmd.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.NotFoundError{Entity: "task", ID: cmd.TaskID}
	}

	if cmd.Title != nil {
		if err := task.UpdateTitle(*cmd.Title); err != nil {
			return nil, err
		}
	}
	if cmd.Description != nil {
		task.UpdateDescription(*cmd.Description)
	}
	if cmd.Status != nil {
		var subtasks []domain.Task
		if domain.Status(*cmd.Status) == domain.StatusCompleted && task.IsParentTask() {
			subtasks, err = s.tasks.FindByParentID(ctx, task.ID)
			if err != nil {
				return nil, err
			}
		}
		if err := task.UpdateStatus(domain.Status(*cmd.Status), subtasks); err != nil {
			return nil, err
		}
	}
	if cmd.Priority != nil {
		if err := task.UpdatePriority(domain.Priority(*cmd.Priority)); err != nil {
			return nil, err
		}
	}
	if cmd.AssigneeID != nil {
		known, err := s.identities.FindByID(ctx, *cmd.AssigneeID)
		if err != nil {
			return nil, err
		}
		if known == nil {
			return nil, domain.NotFoundError{Entity: "identity", ID: *cmd.AssigneeID}
		}
		if err := task.AssignTo(*cmd.AssigneeID); err != nil {
			return nil, err
		}
	}
	if cmd.DueDate != nil {
		due, err := parseDueDate(*cmd.DueDate)
		if err != nil {
			return nil, err
		}
		task.UpdateDueDate(due)
	}

	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	s.flush(ctx, task)
	return task, nil
}

// DeleteTask marks the task for deletion, delegates the physical cascade to
// the store, then flushes. Cascaded subtasks raise no events of their own.
func (s *Service) DeleteTask(ctx context.Context, cmd domain.DeleteTaskCommand) error {
	task, err := s.tasks.FindByID(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return domain.NotFoundError{Entity: "task", ID: cmd.TaskID}
	}
	task.MarkForDeletion()
	if err := s.tasks.Delete(ctx, task); err != nil {
		return err
	}
	s.flush(ctx, task)
	return nil
}

func (s *Service) flush(ctx context.Context, task *domain.Task) {
	for _, ev := range task.PullEvents() {
		s.bus.Raise(ev)
	}
	if err := s.bus.Dispatch(ctx); err != nil {
		s.log.Errorf("dispatch events for task %s: %v", task.ID, err)
	}
}

func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := time.Parse(dueDateLayout, raw)
	if err != nil {
		return nil, domain.ValidationError{Msg: "invalid due date: " + raw}
	}
	return &d, nil
}
