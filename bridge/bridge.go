// Package bridge connects the domain event bus to the realtime gateway. It
// is the only place referencing both the domain layer and the transport
// layer; the aggregate never sees the gateway.
package bridge

import (
	"context"
	"fmt"

	"taskhub/bus"
	"taskhub/domain"
	"taskhub/realtime"
)

// Broadcaster is the slice of the gateway the bridge needs.
type Broadcaster interface {
	BroadcastTaskCreated(realtime.TaskEventPayload)
	BroadcastTaskUpdated(realtime.TaskEventPayload)
	BroadcastTaskDeleted(realtime.TaskEventPayload)
}

// Register subscribes the task event kinds and forwards minimal payloads to
// the unconditional broadcast. Call once at startup, before any request can
// raise; without it events still flush fine but clients hear nothing.
func Register(b *bus.Bus, gw Broadcaster) {
	b.Register(domain.KindTaskCreated, func(_ context.Context, ev domain.Event) error {
		e, ok := ev.(domain.TaskCreated)
		if !ok {
			return fmt.Errorf("unexpected event type %T for %s", ev, ev.Kind())
		}
		gw.BroadcastTaskCreated(payloadFromTask(e.Task, ""))
		return nil
	})
	b.Register(domain.KindTaskUpdated, func(_ context.Context, ev domain.Event) error {
		e, ok := ev.(domain.TaskUpdated)
		if !ok {
			return fmt.Errorf("unexpected event type %T for %s", ev, ev.Kind())
		}
		gw.BroadcastTaskUpdated(payloadFromTask(e.Task, e.Field))
		return nil
	})
	b.Register(domain.KindTaskDeleted, func(_ context.Context, ev domain.Event) error {
		e, ok := ev.(domain.TaskDeleted)
		if !ok {
			return fmt.Errorf("unexpected event type %T for %s", ev, ev.Kind())
		}
		gw.BroadcastTaskDeleted(realtime.TaskEventPayload{ID: e.ID, Title: e.Title})
		return nil
	})
}

func payloadFromTask(t domain.Task, field string) realtime.TaskEventPayload {
	return realtime.TaskEventPayload{
		ID:         t.ID,
		Title:      t.Title,
		Status:     string(t.Status),
		Priority:   string(t.Priority),
		ParentID:   t.ParentID,
		AssigneeID: t.AssigneeID,
		Field:      field,
	}
}
