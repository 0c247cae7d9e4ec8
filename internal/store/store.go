// Package store persists users and disappearing messages.
//
// Two backends satisfy the same contract: SQLStore (mysql, sqlite3) and
// BadgerStore (an embedded document store). Neither knows about live
// connections; callers broadcast from the rows the store returns.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hakanai/internal/errs"
	"hakanai/internal/model"
)

// Store is the message lifecycle contract shared by every backend.
type Store interface {
	// Insert validates and persists a new unseen message.
	Insert(ctx context.Context, msg model.NewMessage) (model.Message, error)
	// QueryConversation returns both directions of a conversation ordered by created_at, id.
	QueryConversation(ctx context.Context, userA, userB int64) ([]model.Message, error)
	// MarkSeen transitions unseen rows to seen and returns only the rows that changed.
	// A non-zero receiverID restricts the transition to rows addressed to that user.
	MarkSeen(ctx context.Context, ids []int64, now time.Time, receiverID int64) ([]model.Message, error)
	// QueryExpired returns seen rows with now - seen_at >= ttl.
	QueryExpired(ctx context.Context, ttl time.Duration, now time.Time) ([]model.Message, error)
	// Delete removes rows and returns the ids that actually existed.
	Delete(ctx context.Context, ids []int64) ([]int64, error)

	GetOrCreateUser(ctx context.Context, username string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	Close() error
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp created_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// createdClock stamps created_at and never hands out a value lower than
// the previous one, even when the wall clock steps back.
type createdClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func newCreatedClock(now func() time.Time) *createdClock {
	return &createdClock{now: now}
}

func (c *createdClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms < c.last {
		return c.last
	}
	c.last = ms
	return ms
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errs.ErrPersistence, err)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrValidation, err)
}

// seenAt keeps seen_at >= created_at when the clock lags the insert.
func seenAt(createdAt int64, now time.Time) int64 {
	ms := now.UnixMilli()
	if ms < createdAt {
		return createdAt
	}
	return ms
}
