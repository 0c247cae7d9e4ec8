package model

import "fmt"

// Kind is the content type of a message
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the four recognized kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile:
		return true
	}
	return false
}

// NeedsAttachment reports whether a message of this kind carries an attachment_ref.
func (k Kind) NeedsAttachment() bool {
	return k != KindText
}

// User is a bare identity created by login
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Message represents a disappearing chat message.
// Timestamps are unix milliseconds.
type Message struct {
	ID            int64  `json:"id"`
	SenderID      int64  `json:"sender_id"`
	ReceiverID    int64  `json:"receiver_id"`
	Content       string `json:"content"`
	Kind          Kind   `json:"kind"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	SeenAt        *int64 `json:"seen_at"`
	IsSeen        bool   `json:"is_seen"`
}

// Participants returns the distinct user ids involved in the message.
func (m Message) Participants() []int64 {
	if m.SenderID == m.ReceiverID {
		return []int64{m.SenderID}
	}
	return []int64{m.ReceiverID, m.SenderID}
}

// NewMessage is the input of a store insert
type NewMessage struct {
	SenderID      int64
	ReceiverID    int64
	Content       string
	Kind          Kind
	AttachmentRef string
}

// Check enforces the attachment_ref iff kind != text rule.
func (n NewMessage) Check() error {
	if !n.Kind.Valid() {
		return fmt.Errorf("unrecognized kind %q", n.Kind)
	}
	if n.Kind.NeedsAttachment() && n.AttachmentRef == "" {
		return fmt.Errorf("kind %q requires attachment_ref", n.Kind)
	}
	if !n.Kind.NeedsAttachment() && n.AttachmentRef != "" {
		return fmt.Errorf("kind %q must not carry attachment_ref", n.Kind)
	}
	return nil
}
