package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"hakanai/internal/chat"
	"hakanai/internal/errs"
	"hakanai/internal/model"
)

type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

var errRateLimited = fmt.Errorf("%w: send rate exceeded", errs.ErrValidation)

// session is the per-connection state machine:
// connecting -> joined (join) -> closed (disconnect).
// Commands of one connection are handled in order on its read goroutine.
type session struct {
	h       *Handler
	client  *client
	state   connState
	userID  int64
	limiter *rate.Limiter
}

func newSession(h *Handler, c *client) *session {
	limit := rate.Inf
	if h.Config.SendRate > 0 {
		limit = rate.Limit(h.Config.SendRate)
	}
	burst := h.Config.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &session{
		h:       h,
		client:  c,
		state:   stateConnecting,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *session) handle(ctx context.Context, payload []byte) {
	var cmd model.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.fail("", fmt.Errorf("%w: malformed command", errs.ErrValidation))
		return
	}

	var err error
	switch cmd.Type {
	case model.CommandJoin:
		err = s.join(cmd.Data)
	case model.CommandSendMessage:
		err = s.sendMessage(ctx, cmd.Data)
	case model.CommandAckSeen, model.CommandMarkSeen:
		err = s.ackSeen(ctx, cmd.Data)
	default:
		err = fmt.Errorf("%w: unknown command %q", errs.ErrValidation, cmd.Type)
	}
	if err != nil {
		s.fail(cmd.Type, err)
	}
}

func (s *session) join(data json.RawMessage) error {
	userID, err := decodeJoin(data)
	if err != nil {
		return err
	}
	if userID <= 0 {
		return fmt.Errorf("%w: user_id is required", errs.ErrValidation)
	}

	// 切断済みのクライアントはレジストリに戻さない
	if s.client.closed() {
		return errClosed
	}
	s.h.Rooms.Join(userID, s.client)
	if s.client.closed() {
		s.h.Rooms.Leave(s.client)
		return errClosed
	}
	if s.state == stateJoined && s.userID != userID {
		s.h.Log.Info("[WebSocket] Connection switched user", "conn", s.client.id, "from", s.userID, "to", userID)
	}
	s.state = stateJoined
	s.userID = userID

	s.h.Log.Info("[WebSocket] ✅ Joined", "conn", s.client.id, "user", userID)
	return s.reply(model.JoinedEvent(userID))
}

func (s *session) sendMessage(ctx context.Context, data json.RawMessage) error {
	if s.state != stateJoined {
		return errs.ErrNotJoined
	}
	if !s.limiter.Allow() {
		return errRateLimited
	}

	var cmd model.SendMessageCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("%w: malformed send_message", errs.ErrValidation)
	}
	// 送信者は join したユーザーに固定する
	if cmd.SenderID != 0 && cmd.SenderID != s.userID {
		return fmt.Errorf("%w: sender_id does not match the joined user", errs.ErrValidation)
	}

	_, err := s.h.Router.Send(ctx, chat.SendRequest{
		SenderID:      s.userID,
		ReceiverID:    cmd.ReceiverID,
		Content:       cmd.Content,
		Kind:          cmd.Kind,
		AttachmentRef: cmd.AttachmentRef,
	})
	return err
}

func (s *session) ackSeen(ctx context.Context, data json.RawMessage) error {
	if s.state != stateJoined {
		return errs.ErrNotJoined
	}
	ids, err := decodeIDs(data)
	if err != nil {
		return err
	}
	_, err = s.h.Seen.AckSeen(ctx, s.userID, ids)
	return err
}

// fail reports err to this connection only.
func (s *session) fail(command string, err error) {
	s.h.Metrics.CommandFailed(command)
	if errors.Is(err, errs.ErrPersistence) {
		s.h.Log.Error("[WebSocket] ❌ Command failed", "conn", s.client.id, "command", command, "error", err)
	} else {
		s.h.Log.Warn("[WebSocket] ❌ Command rejected", "conn", s.client.id, "command", command, "error", err)
	}
	if err := s.reply(model.ErrorEvent(command, err)); err != nil {
		s.h.Log.Debug("[WebSocket] Could not deliver error event", "conn", s.client.id, "error", err)
	}
}

func (s *session) reply(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Deliver(payload)
}

func (s *session) close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.h.Rooms.Leave(s.client)
	s.client.Close()
	s.h.Log.Info("[WebSocket] Client disconnected", "conn", s.client.id, "user", s.userID)
}

// decodeJoin accepts {"user_id": 1} as well as a bare id.
func decodeJoin(data json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}
	var cmd model.JoinCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return 0, fmt.Errorf("%w: malformed join", errs.ErrValidation)
	}
	return cmd.UserID, nil
}

// decodeIDs accepts {"ids": [1, 2]} as well as a bare array.
func decodeIDs(data json.RawMessage) ([]int64, error) {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err == nil {
		return ids, nil
	}
	var cmd model.AckSeenCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: malformed ack_seen", errs.ErrValidation)
	}
	return cmd.IDs, nil
}
