// Package chat turns client commands into store mutations and room broadcasts.
package chat

import (
	"context"
	"time"

	"hakanai/internal/model"
)

// Broadcaster delivers events to the live connections of users.
type Broadcaster interface {
	Broadcast(userID int64, ev model.Event)
	BroadcastAll(ev model.Event)
}

// MessageStore is the part of the store the router and seen tracker write through.
type MessageStore interface {
	Insert(ctx context.Context, msg model.NewMessage) (model.Message, error)
	MarkSeen(ctx context.Context, ids []int64, now time.Time, receiverID int64) ([]model.Message, error)
}

// Resolver turns an attachment reference into a client-facing locator.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}
