package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"hakanai/internal/metrics"
	"hakanai/internal/model"
)

// Store is the part of the message store the sweep needs.
type Store interface {
	QueryExpired(ctx context.Context, ttl time.Duration, now time.Time) ([]model.Message, error)
	Delete(ctx context.Context, ids []int64) ([]int64, error)
}

// AttachmentDeleter removes the file behind an attachment reference.
type AttachmentDeleter interface {
	Delete(ctx context.Context, ref string) error
}

// Broadcaster announces deletions to every live connection.
type Broadcaster interface {
	BroadcastAll(ev model.Event)
}

type Config struct {
	TTL      time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// Scheduler periodically deletes messages whose TTL elapsed after they were
// seen, together with their attachments. Only one instance may run against
// a store.
type Scheduler struct {
	store       Store
	attachments AttachmentDeleter
	rooms       Broadcaster
	ttl         time.Duration
	interval    time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Metrics
}

func NewScheduler(store Store, attachments AttachmentDeleter, rooms Broadcaster, cfg Config, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:       store,
		attachments: attachments,
		rooms:       rooms,
		ttl:         cfg.TTL,
		interval:    cfg.Interval,
		now:         cfg.Now,
		log:         log,
		metrics:     m,
	}
}

// Sweep runs one tick and returns the ids it deleted. A tick with no
// expired rows has no side effects.
func (s *Scheduler) Sweep(ctx context.Context) ([]int64, error) {
	start := time.Now()
	deleted, err := s.sweep(ctx)
	s.metrics.ObserveSweep(time.Since(start).Seconds(), err)
	return deleted, err
}

func (s *Scheduler) sweep(ctx context.Context) ([]int64, error) {
	candidates, err := s.store.QueryExpired(ctx, s.ttl, s.now())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// 添付ファイルの削除は失敗しても行の削除を止めない
	for _, msg := range candidates {
		if msg.AttachmentRef == "" || s.attachments == nil {
			continue
		}
		if err := s.attachments.Delete(ctx, msg.AttachmentRef); err != nil {
			s.metrics.AttachmentDeleteFailed()
			s.log.Warn("❌ Failed to delete attachment, leaving it orphaned",
				"id", msg.ID, "ref", msg.AttachmentRef, "error", err)
			continue
		}
		s.log.Debug("Deleted attachment", "id", msg.ID, "ref", msg.AttachmentRef)
	}

	ids := lo.Map(candidates, func(m model.Message, _ int) int64 { return m.ID })
	deleted, err := s.store.Delete(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	s.rooms.BroadcastAll(model.MessagesDeletedEvent(deleted))
	s.metrics.MessagesExpiredAdd(len(deleted))
	s.log.Info("🗑️ Deleted expired messages", "ids", deleted)
	return deleted, nil
}

// Run sweeps every interval until ctx is cancelled. Ticks never overlap:
// a tick still running when the next one is due causes that one to be skipped.
func (s *Scheduler) Run(ctx context.Context) {
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("❌ Expiry sweep failed", "error", err)
		}
	}))

	s.log.Info("Expiry scheduler started", "ttl", s.ttl, "interval", s.interval)
	c.Start()

	<-ctx.Done()
	s.log.Info("Expiry scheduler stopping")
	<-c.Stop().Done()
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
