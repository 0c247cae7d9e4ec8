package model

import "encoding/json"

// Server to client event types
const (
	EventNewMessage      = "new_message"
	EventStatusUpdate    = "status_update"
	EventMessagesDeleted = "messages_deleted"
	EventJoined          = "joined"
	EventError           = "error"
)

// Client to server command types
const (
	CommandJoin        = "join"
	CommandSendMessage = "send_message"
	CommandAckSeen     = "ack_seen"
	// mark_seen is the legacy name of ack_seen
	CommandMarkSeen = "mark_seen"
)

// Event is the envelope of every frame pushed to a connection
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusUpdate is pushed when a message transitions to seen
type StatusUpdate struct {
	ID     int64 `json:"id"`
	IsSeen bool  `json:"is_seen"`
	SeenAt int64 `json:"seen_at"`
}

// ErrorPayload is pushed to the originating connection when a command fails
type ErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

func NewMessageEvent(m Message) Event {
	return Event{Type: EventNewMessage, Data: m}
}

func StatusUpdateEvent(s StatusUpdate) Event {
	return Event{Type: EventStatusUpdate, Data: s}
}

func MessagesDeletedEvent(ids []int64) Event {
	return Event{Type: EventMessagesDeleted, Data: ids}
}

func JoinedEvent(userID int64) Event {
	return Event{Type: EventJoined, Data: map[string]int64{"user_id": userID}}
}

func ErrorEvent(command string, err error) Event {
	return Event{Type: EventError, Data: ErrorPayload{Command: command, Message: err.Error()}}
}

// Command is the envelope of every frame read from a connection
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type JoinCommand struct {
	UserID int64 `json:"user_id"`
}

type SendMessageCommand struct {
	SenderID      int64  `json:"sender_id"`
	ReceiverID    int64  `json:"receiver_id"`
	Content       string `json:"content"`
	Kind          Kind   `json:"kind"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

type AckSeenCommand struct {
	IDs []int64 `json:"ids"`
}
