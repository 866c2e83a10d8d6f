package model

import "time"

// PresenceState is either online or offline.
type PresenceState string

const (
	Online  PresenceState = "online"
	Offline PresenceState = "offline"
)

// PresenceRecord is the last known presence of a user.
type PresenceRecord struct {
	UserID      string        `json:"userId"`
	State       PresenceState `json:"state"`
	LastChanged time.Time     `json:"lastChanged"`
}

// TypingSignal says whether a user is typing in a conversation right now.
type TypingSignal struct {
	ConversationKey string    `json:"conversationKey"`
	UserID          string    `json:"userId"`
	IsTyping        bool      `json:"isTyping"`
	At              time.Time `json:"at"`
}

// EventType names what changed.
type EventType string

const (
	EventMessageCreated       EventType = "message.created"
	EventMessageDeleted       EventType = "message.deleted"
	EventMessageRead          EventType = "message.read"
	EventConversationPurged   EventType = "conversation.purged"
	EventConversationLocked   EventType = "conversation.lock_changed"
	EventConversationBlocked  EventType = "conversation.blocked"
	EventRelationshipRequest  EventType = "relationship.requested"
	EventRelationshipAccepted EventType = "relationship.accepted"
	EventRelationshipRemoved  EventType = "relationship.removed"
	EventRelationshipBlocked  EventType = "relationship.blocked"
	EventRelationshipUnblock  EventType = "relationship.unblocked"
	EventPresence             EventType = "presence.changed"
	EventTyping               EventType = "typing.changed"
	EventStreamClosed         EventType = "stream.closed"
)

// Event is one item pushed to realtime subscribers.
//
// Seq is only set on conversation events that correspond to a stored
// message, so a resuming client can drop anything it already replayed.
type Event struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Seq     int64     `json:"seq,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// ReadReceipt is the payload of message.read.
type ReadReceipt struct {
	ReaderID   string    `json:"readerId"`
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

// StreamClosed is the payload of stream.closed.
type StreamClosed struct {
	Reason string `json:"reason"`
}

// MessageDeleted is the payload of message.deleted.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// LockChanged is the payload of conversation.lock_changed.
type LockChanged struct {
	Locked  bool   `json:"locked"`
	ActorID string `json:"actorId"`
}

// ConversationPurged is the payload of conversation.purged.
type ConversationPurged struct {
	ActorID string `json:"actorId"`
	Deleted int64  `json:"deleted"`
}
