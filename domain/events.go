package domain

import "time"

// Kind tags the closed set of domain event variants.
type Kind int

const (
	KindTaskCreated Kind = iota
	KindTaskUpdated
	KindTaskDeleted
)

func (k Kind) String() string {
	switch k {
	case KindTaskCreated:
		return "task-created"
	case KindTaskUpdated:
		return "task-updated"
	case KindTaskDeleted:
		return "task-deleted"
	}
	return "unknown"
}

// Event is implemented by the task event variants. Events are immutable once
// raised and live only in the bus queue until flushed.
type Event interface {
	Kind() Kind
	AggregateID() string
}

// TaskCreated records a newly created task with its state at creation time.
type TaskCreated struct {
	ID         string
	Version    int64
	OccurredOn time.Time
	Task       Task
}

func (e TaskCreated) Kind() Kind          { return KindTaskCreated }
func (e TaskCreated) AggregateID() string { return e.ID }

// TaskUpdated records a single-field mutation and the task state after it.
type TaskUpdated struct {
	ID         string
	Version    int64
	OccurredOn time.Time
	Field      string
	Task       Task
}

func (e TaskUpdated) Kind() Kind          { return KindTaskUpdated }
func (e TaskUpdated) AggregateID() string { return e.ID }

// TaskDeleted records a task marked for deletion. The physical row removal
// happens afterwards at the storage layer.
type TaskDeleted struct {
	ID         string
	Version    int64
	OccurredOn time.Time
	Title      string
}

func (e TaskDeleted) Kind() Kind          { return KindTaskDeleted }
func (e TaskDeleted) AggregateID() string { return e.ID }
