package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"hakanai/internal/metrics"
	"hakanai/internal/model"
)

// SeenTracker applies the unseen -> seen transition and tells both
// participants about it.
type SeenTracker struct {
	store   MessageStore
	rooms   Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	// strict restricts the transition to the message's receiver
	strict bool
}

func NewSeenTracker(store MessageStore, rooms Broadcaster, log *slog.Logger, m *metrics.Metrics, now func() time.Time, strict bool) *SeenTracker {
	if now == nil {
		now = time.Now
	}
	return &SeenTracker{store: store, rooms: rooms, log: log, metrics: m, now: now, strict: strict}
}

// AckSeen marks ids seen on behalf of actingUserID and returns the status
// updates that were broadcast. Missing or already seen ids are skipped.
func (t *SeenTracker) AckSeen(ctx context.Context, actingUserID int64, ids []int64) ([]model.StatusUpdate, error) {
	ids = lo.Uniq(lo.Filter(ids, func(id int64, _ int) bool { return id > 0 }))
	if len(ids) == 0 {
		return nil, nil
	}

	var receiverID int64
	if t.strict {
		receiverID = actingUserID
	}

	rows, err := t.store.MarkSeen(ctx, ids, t.now(), receiverID)
	if err != nil {
		return nil, err
	}

	updates := make([]model.StatusUpdate, 0, len(rows))
	for _, row := range rows {
		update := model.StatusUpdate{ID: row.ID, IsSeen: true, SeenAt: lo.FromPtr(row.SeenAt)}
		ev := model.StatusUpdateEvent(update)
		for _, userID := range row.Participants() {
			t.rooms.Broadcast(userID, ev)
		}
		updates = append(updates, update)
	}

	t.metrics.MessagesSeenAdd(len(updates))
	if len(updates) > 0 {
		t.log.Debug("✅ Marked messages seen", "user", actingUserID, "ids", lo.Map(updates, func(u model.StatusUpdate, _ int) int64 { return u.ID }))
	}
	return updates, nil
}
