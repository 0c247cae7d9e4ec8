package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"hakanai/internal/errs"
	"hakanai/internal/model"
	"hakanai/internal/store"
)

type delivery struct {
	userID int64
	event  model.Event
}

// recorder is a Broadcaster that remembers every event
type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recorder) Broadcast(userID int64, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{userID: userID, event: ev})
}

func (r *recorder) BroadcastAll(ev model.Event) {
	r.Broadcast(0, ev)
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, ref string) (string, error) {
	return "/uploads/" + ref, nil
}

type brokenStore struct{}

func (brokenStore) Insert(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	return model.Message{}, errs.ErrPersistence
}

func (brokenStore) MarkSeen(ctx context.Context, ids []int64, now time.Time, receiverID int64) ([]model.Message, error) {
	return nil, errs.ErrPersistence
}

var testLog = logs.GetLoggerFromLevel(slog.LevelError)

func newStore(t *testing.T) *store.BadgerStore {
	s, err := store.OpenBadgerStore("", testLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRouter_Send_TextReachesBothParticipants(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	router := NewRouter(newStore(t), rooms, staticResolver{}, testLog, nil, 0)

	// When user 1 sends "hi" to user 2 without a kind
	msg, err := router.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})

	// Then the receiver and the sender's own connections get the same message
	req.NoError(err)
	req.Equal(model.KindText, msg.Kind)
	got := rooms.all()
	req.Len(got, 2)
	req.Equal(int64(2), got[0].userID)
	req.Equal(int64(1), got[1].userID)
	for _, d := range got {
		req.Equal(model.EventNewMessage, d.event.Type)
		sent := d.event.Data.(model.Message)
		req.Equal(msg.ID, sent.ID)
		req.False(sent.IsSeen)
	}
}

func TestRouter_Send_ImageWithoutRefIsRejected(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	s := newStore(t)
	router := NewRouter(s, rooms, staticResolver{}, testLog, nil, 0)

	_, err := router.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Kind: model.KindImage})
	req.ErrorIs(err, errs.ErrValidation)

	// Then nothing is persisted and nothing is broadcast
	conv, err := s.QueryConversation(context.Background(), 1, 2)
	req.NoError(err)
	req.Empty(conv)
	req.Empty(rooms.all())
}

func TestRouter_Send_ImageWithRef(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	router := NewRouter(newStore(t), rooms, staticResolver{}, testLog, nil, 0)

	msg, err := router.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Kind: model.KindImage, AttachmentRef: "x"})
	req.NoError(err)
	req.Equal("/uploads/x", msg.AttachmentURL)

	got := rooms.all()
	req.Len(got, 2)
	req.Equal(got[0].event.Data.(model.Message).ID, got[1].event.Data.(model.Message).ID)
	req.False(got[0].event.Data.(model.Message).IsSeen)
}

func TestRouter_Send_RejectsTraversalRef(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	s := newStore(t)
	router := NewRouter(s, rooms, staticResolver{}, testLog, nil, 0)

	for _, ref := range []string{"../../backups/db.sql", "a/b.png", ".hidden"} {
		// When a client names a ref the upload endpoint never issues
		_, err := router.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Kind: model.KindFile, AttachmentRef: ref})

		// Then it is a validation error
		req.ErrorIs(err, errs.ErrValidation, ref)
	}

	// And nothing is persisted or broadcast
	conv, err := s.QueryConversation(context.Background(), 1, 2)
	req.NoError(err)
	req.Empty(conv)
	req.Empty(rooms.all())
}

func TestRouter_Send_Validation(t *testing.T) {
	router := NewRouter(newStore(t), &recorder{}, nil, testLog, nil, 5)

	cases := []struct {
		name string
		req  SendRequest
	}{
		{"unknown kind", SendRequest{SenderID: 1, ReceiverID: 2, Kind: "sticker", AttachmentRef: "x"}},
		{"text with attachment", SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi", AttachmentRef: "x"}},
		{"empty text", SendRequest{SenderID: 1, ReceiverID: 2}},
		{"missing receiver", SendRequest{SenderID: 1, Content: "hi"}},
		{"content too long", SendRequest{SenderID: 1, ReceiverID: 2, Content: "abcdef"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.Send(context.Background(), tc.req)
			require.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestRouter_Send_ToSelfBroadcastsOnce(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	router := NewRouter(newStore(t), rooms, nil, testLog, nil, 0)

	_, err := router.Send(context.Background(), SendRequest{SenderID: 3, ReceiverID: 3, Content: "note to self"})
	req.NoError(err)
	req.Len(rooms.all(), 1)
}

func TestRouter_Send_StoreFailure(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	router := NewRouter(brokenStore{}, rooms, nil, testLog, nil, 0)

	_, err := router.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})
	req.ErrorIs(err, errs.ErrPersistence)
	req.Empty(rooms.all())
}

func TestSeenTracker_AckSeen_Idempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newStore(t)
	rooms := &recorder{}
	router := NewRouter(s, &recorder{}, nil, testLog, nil, 0)
	now := time.UnixMilli(time.Now().UnixMilli() + 1_000)
	tracker := NewSeenTracker(s, rooms, testLog, nil, func() time.Time { return now }, true)

	msg, err := router.Send(ctx, SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})
	req.NoError(err)

	// When the receiver acknowledges
	updates, err := tracker.AckSeen(ctx, 2, []int64{msg.ID})
	req.NoError(err)
	req.Equal([]model.StatusUpdate{{ID: msg.ID, IsSeen: true, SeenAt: now.UnixMilli()}}, updates)

	// Then both participants are told
	got := rooms.all()
	req.Len(got, 2)
	req.ElementsMatch([]int64{1, 2}, []int64{got[0].userID, got[1].userID})
	req.Equal(model.EventStatusUpdate, got[0].event.Type)

	// And a second acknowledgement changes nothing
	updates, err = tracker.AckSeen(ctx, 2, []int64{msg.ID})
	req.NoError(err)
	req.Empty(updates)
	req.Len(rooms.all(), 2)

	conv, err := s.QueryConversation(ctx, 1, 2)
	req.NoError(err)
	req.True(conv[0].IsSeen)
	req.Equal(now.UnixMilli(), *conv[0].SeenAt)
}

func TestSeenTracker_AckSeen_EmptyIsNoop(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	tracker := NewSeenTracker(brokenStore{}, rooms, testLog, nil, nil, true)

	updates, err := tracker.AckSeen(context.Background(), 2, nil)
	req.NoError(err)
	req.Empty(updates)
	req.Empty(rooms.all())
}

func TestSeenTracker_Strict_IgnoresNonReceiver(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newStore(t)
	rooms := &recorder{}
	router := NewRouter(s, &recorder{}, nil, testLog, nil, 0)

	msg, err := router.Send(ctx, SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})
	req.NoError(err)

	strict := NewSeenTracker(s, rooms, testLog, nil, nil, true)
	updates, err := strict.AckSeen(ctx, 1, []int64{msg.ID})
	req.NoError(err)
	req.Empty(updates)

	// The permissive mode lets anyone acknowledge
	permissive := NewSeenTracker(s, rooms, testLog, nil, nil, false)
	updates, err = permissive.AckSeen(ctx, 3, []int64{msg.ID})
	req.NoError(err)
	req.Len(updates, 1)
}

func TestSeenTracker_ConcurrentAcksBroadcastOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newStore(t)
	rooms := &recorder{}
	router := NewRouter(s, &recorder{}, nil, testLog, nil, 0)
	tracker := NewSeenTracker(s, rooms, testLog, nil, nil, true)

	msg, err := router.Send(ctx, SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})
	req.NoError(err)

	// When two connections of the receiver acknowledge at the same time
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.AckSeen(ctx, 2, []int64{msg.ID}); err != nil {
				t.Errorf("ack seen: %v", err)
			}
		}()
	}
	wg.Wait()

	// Then each participant got exactly one status update
	got := rooms.all()
	req.Len(got, 2)
	req.ElementsMatch([]int64{1, 2}, []int64{got[0].userID, got[1].userID})
}

func TestSeenTracker_StoreFailure(t *testing.T) {
	req := require.New(t)
	rooms := &recorder{}
	tracker := NewSeenTracker(brokenStore{}, rooms, testLog, nil, nil, true)

	_, err := tracker.AckSeen(context.Background(), 2, []int64{1})
	req.True(errors.Is(err, errs.ErrPersistence))
	req.Empty(rooms.all())
}
