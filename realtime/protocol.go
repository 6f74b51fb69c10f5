package realtime

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	"taskhub/domain"
)

// Server to client event names.
const (
	EvPresenceOnline   = "presence-online"
	EvPresenceOffline  = "presence-offline"
	EvTypingStart      = "typing-start"
	EvTypingStop       = "typing-stop"
	EvMessageDelivered = "message-delivered"
	EvMessageConfirmed = "message-send-confirmed"
	EvTaskCreated      = "task-created"
	EvTaskUpdated      = "task-updated"
	EvTaskDeleted      = "task-deleted"
	EvMessageHistory   = "message-history"
	EvError            = "error"
)

// Client to server event names. typing-start and typing-stop travel in both
// directions.
const (
	EvMessageSend = "message-send"
	EvJoinRoom    = "join-room"
	EvLeaveRoom   = "leave-room"
)

// Frame is the envelope for every websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PresencePayload announces a roster change; Roster is the full set of
// connected identities after the change.
type PresencePayload struct {
	IdentityID string            `json:"identityId"`
	Label      string            `json:"label"`
	Roster     []domain.Identity `json:"roster"`
}

// TypingPayload relays an ephemeral typing indicator; never persisted.
type TypingPayload struct {
	IdentityID string `json:"identityId,omitempty"`
	Label      string `json:"label,omitempty"`
	TargetID   string `json:"targetId,omitempty"`
}

// MessageSendPayload is the client request to deliver a chat message.
type MessageSendPayload struct {
	Content  string `json:"content"`
	Kind     string `json:"kind,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

// RoomPayload names the room to join or leave.
type RoomPayload struct {
	Name string `json:"name"`
}

// ErrorPayload reports a per-connection failure to its origin only.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TaskEventPayload carries the minimal task facts pushed to every client.
type TaskEventPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	ParentID   string `json:"parentId,omitempty"`
	AssigneeID string `json:"assigneeId,omitempty"`
	Field      string `json:"field,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(Frame{Event: event, Data: data})
}
