package domain

import (
	"time"
	"unicode/utf8"
)

// Status is the task state machine. Any status is reachable from any other;
// the only transition guard is the subtask completion gate.
type Status string

const (
	StatusToDo       Status = "TO_DO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// DefaultPriority applies to parent tasks created without an explicit
// priority and is the fixed priority of every subtask.
const DefaultPriority = PriorityMedium

const maxTitleLen = 255

// Task is the aggregate root. All mutation goes through the guarded methods
// below; each successful mutation records exactly one event, retrievable
// with PullEvents.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	ParentID    string     `json:"parentId,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedByID string     `json:"createdById"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Version     int64      `json:"-"`

	events []Event
}

// NewTaskInput carries the validated-on-construction task fields.
type NewTaskInput struct {
	Title       string
	CreatedByID string
	Description string
	Priority    Priority
	AssigneeID  string
	ParentID    string
	DueDate     *time.Time
}

// NewTask builds a task, applying the subtask-forcing rules: a subtask never
// carries an assignee and always gets the default priority, whatever the
// input said. The ID stays empty until the first save.
func NewTask(in NewTaskInput) (*Task, error) {
	if err := validateTitle(in.Title); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t := &Task{
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusToDo,
		ParentID:    in.ParentID,
		DueDate:     in.DueDate,
		CreatedByID: in.CreatedByID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.IsSubtask() {
		t.Priority = DefaultPriority
		t.AssigneeID = ""
	} else {
		t.Priority = in.Priority
		if t.Priority == "" {
			t.Priority = DefaultPriority
		}
		if !t.Priority.Valid() {
			return nil, ValidationError{Msg: "invalid priority: " + string(in.Priority)}
		}
		t.AssigneeID = in.AssigneeID
		if t.AssigneeID == "" {
			t.AssigneeID = in.CreatedByID
		}
	}
	t.Version++
	t.events = append(t.events, TaskCreated{Version: t.Version, OccurredOn: now, Task: t.snapshot()})
	return t, nil
}

// IsParentTask reports whether the task can hold subtasks, an assignee and
// an explicit priority.
func (t *Task) IsParentTask() bool { return t.ParentID == "" }

func (t *Task) IsSubtask() bool { return t.ParentID != "" }

// UpdateTitle re-validates the length rule before writing.
func (t *Task) UpdateTitle(title string) error {
	if err := validateTitle(title); err != nil {
		return err
	}
	t.Title = title
	t.recordUpdate("title")
	return nil
}

// UpdateDescription is unguarded; descriptions carry no invariant.
func (t *Task) UpdateDescription(description string) {
	t.Description = description
	t.recordUpdate("description")
}

// UpdateStatus applies the completion gate: a parent cannot reach COMPLETED
// while any of the given subtasks is not COMPLETED. On rejection the error
// lists exactly the blocking subtask ids and nothing is mutated.
func (t *Task) UpdateStatus(status Status, subtasks []Task) error {
	if !status.Valid() {
		return ValidationError{Msg: "invalid status: " + string(status)}
	}
	if status == StatusCompleted && t.IsParentTask() {
		var blocking []string
		for _, sub := range subtasks {
			if sub.Status != StatusCompleted {
				blocking = append(blocking, sub.ID)
			}
		}
		if len(blocking) > 0 {
			return DomainError{
				Msg:         "cannot complete task while subtasks are incomplete",
				BlockingIDs: blocking,
			}
		}
	}
	t.Status = status
	t.recordUpdate("status")
	return nil
}

// UpdatePriority is forbidden on subtasks, whose priority is fixed.
func (t *Task) UpdatePriority(priority Priority) error {
	if t.IsSubtask() {
		return DomainError{Msg: "subtask priority is fixed and cannot be changed"}
	}
	if !priority.Valid() {
		return ValidationError{Msg: "invalid priority: " + string(priority)}
	}
	t.Priority = priority
	t.recordUpdate("priority")
	return nil
}

// AssignTo is forbidden on subtasks, which never carry an assignee.
func (t *Task) AssignTo(identityID string) error {
	if t.IsSubtask() {
		return DomainError{Msg: "subtasks cannot be assigned"}
	}
	t.AssigneeID = identityID
	t.recordUpdate("assignee")
	return nil
}

func (t *Task) UpdateDueDate(due *time.Time) {
	t.DueDate = due
	t.recordUpdate("dueDate")
}

// MarkForDeletion records the deletion event; the physical removal with its
// subtask cascade is the storage layer's job.
func (t *Task) MarkForDeletion() {
	now := time.Now().UTC()
	t.UpdatedAt = now
	t.Version++
	t.events = append(t.events, TaskDeleted{ID: t.ID, Version: t.Version, OccurredOn: now, Title: t.Title})
}

// PullEvents drains the recorded events. Events recorded before the first
// save are stamped with the id assigned on persist.
func (t *Task) PullEvents() []Event {
	events := t.events
	t.events = nil
	for i, ev := range events {
		if ev.AggregateID() == "" {
			events[i] = stampAggregateID(ev, t.ID)
		}
	}
	return events
}

func (t *Task) recordUpdate(field string) {
	now := time.Now().UTC()
	t.UpdatedAt = now
	t.Version++
	t.events = append(t.events, TaskUpdated{
		ID:         t.ID,
		Version:    t.Version,
		OccurredOn: now,
		Field:      field,
		Task:       t.snapshot(),
	})
}

// snapshot copies the task state without the pending event slice.
func (t *Task) snapshot() Task {
	s := *t
	s.events = nil
	return s
}

func stampAggregateID(ev Event, id string) Event {
	switch e := ev.(type) {
	case TaskCreated:
		e.ID = id
		e.Task.ID = id
		return e
	case TaskUpdated:
		e.ID = id
		e.Task.ID = id
		return e
	case TaskDeleted:
		e.ID = id
		return e
	}
	return ev
}

func validateTitle(title string) error {
	if title == "" {
		return ValidationError{Msg: "title must not be empty"}
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return ValidationError{Msg: "title must be at most 255 characters"}
	}
	return nil
}
