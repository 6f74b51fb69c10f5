package domain

// MessageKind separates shared-room chat from direct messages.
type MessageKind string

const (
	MessageShared MessageKind = "shared"
	MessageDirect MessageKind = "direct"
)

// Message is a persisted chat message as delivered over the wire.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	SenderLabel string      `json:"senderLabel,omitempty"`
	TargetID    string      `json:"targetId,omitempty"`
	Kind        MessageKind `json:"kind"`
	Content     string      `json:"content"`
	SentAt      int64       `json:"sentAt"`
}
