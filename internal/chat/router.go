package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"hakanai/internal/attachment"
	"hakanai/internal/errs"
	"hakanai/internal/metrics"
	"hakanai/internal/model"
)

var validate = validator.New()

// SendRequest is a validated send_message command
type SendRequest struct {
	SenderID      int64      `validate:"gt=0"`
	ReceiverID    int64      `validate:"gt=0"`
	Content       string     `validate:"required_if=Kind text"`
	Kind          model.Kind `validate:"oneof=text image video file"`
	AttachmentRef string     `validate:"required_unless=Kind text,excluded_if=Kind text"`
}

const lockStripes = 64

// Router persists new messages and fans them out to both participants.
type Router struct {
	store       MessageStore
	rooms       Broadcaster
	attachments Resolver
	log         *slog.Logger
	metrics     *metrics.Metrics
	maxContent  int

	// insert と配信を会話単位で直列化し、配信順を挿入順に揃える
	locks [lockStripes]sync.Mutex
}

func NewRouter(store MessageStore, rooms Broadcaster, attachments Resolver, log *slog.Logger, m *metrics.Metrics, maxContent int) *Router {
	return &Router{
		store:       store,
		rooms:       rooms,
		attachments: attachments,
		log:         log,
		metrics:     m,
		maxContent:  maxContent,
	}
}

// Send validates, persists and broadcasts a message. The sender's other
// connections receive the same event as the receiver.
func (r *Router) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	if req.Kind == "" {
		req.Kind = model.KindText
	}
	if err := validate.Struct(req); err != nil {
		return model.Message{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if r.maxContent > 0 && utf8.RuneCountInString(req.Content) > r.maxContent {
		return model.Message{}, fmt.Errorf("%w: content exceeds %d characters", errs.ErrValidation, r.maxContent)
	}
	if req.Kind != model.KindText {
		// 参照はアップロードで発行された形だけ受け付ける
		if err := attachment.ValidRef(req.AttachmentRef); err != nil {
			return model.Message{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
	}

	mu := r.conversationLock(req.SenderID, req.ReceiverID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.Insert(ctx, model.NewMessage{
		SenderID:      req.SenderID,
		ReceiverID:    req.ReceiverID,
		Content:       req.Content,
		Kind:          req.Kind,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		return model.Message{}, err
	}
	r.metrics.MessageSent(string(msg.Kind))

	msg = ResolveAttachment(ctx, r.attachments, r.log, msg)

	ev := model.NewMessageEvent(msg)
	for _, userID := range msg.Participants() {
		r.rooms.Broadcast(userID, ev)
	}

	r.log.Debug("✅ Routed message", "id", msg.ID, "sender", msg.SenderID, "receiver", msg.ReceiverID, "kind", msg.Kind)
	return msg, nil
}

func (r *Router) conversationLock(userA, userB int64) *sync.Mutex {
	low, high := uint64(min(userA, userB)), uint64(max(userA, userB))
	h := low*0x9e3779b97f4a7c15 ^ high
	return &r.locks[h%lockStripes]
}

// ResolveAttachment fills AttachmentURL. A resolver failure leaves the URL
// empty; the reference is still delivered.
func ResolveAttachment(ctx context.Context, resolver Resolver, log *slog.Logger, msg model.Message) model.Message {
	if msg.AttachmentRef == "" || resolver == nil {
		return msg
	}
	url, err := resolver.Resolve(ctx, msg.AttachmentRef)
	if err != nil {
		log.Warn("Failed to resolve attachment", "id", msg.ID, "ref", msg.AttachmentRef, "error", err)
		return msg
	}
	msg.AttachmentURL = url
	return msg
}
