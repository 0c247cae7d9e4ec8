package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"hakanai/internal/errs"
	"hakanai/internal/model"
)

// setupMockStore creates a SQLStore on top of sqlmock.
func setupMockStore(t *testing.T, now time.Time) (sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewSQLStore(db, logs.GetLoggerFromLevel(slog.LevelError), WithClock(func() time.Time { return now }))
	return mock, s
}

var columns = []string{"id", "sender_id", "receiver_id", "content", "kind", "attachment_ref", "created_at", "seen_at", "is_seen"}

func TestSQLStore_Insert_PersistenceError(t *testing.T) {
	req := require.New(t)
	now := time.UnixMilli(1_000)
	mock, s := setupMockStore(t, now)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(int64(1), int64(2), "hi", "text", sql.NullString{}, int64(1_000)).
		WillReturnError(errors.New("connection refused"))

	_, err := s.Insert(context.Background(), text(1, 2, "hi"))
	req.ErrorIs(err, errs.ErrPersistence)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_Insert_AttachmentRefIsNullable(t *testing.T) {
	req := require.New(t)
	mock, s := setupMockStore(t, time.UnixMilli(5))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(int64(1), int64(2), "", "video", sql.NullString{String: "clip.mp4", Valid: true}, int64(5)).
		WillReturnResult(sqlmock.NewResult(7, 1))

	msg, err := s.Insert(context.Background(), model.NewMessage{SenderID: 1, ReceiverID: 2, Kind: model.KindVideo, AttachmentRef: "clip.mp4"})
	req.NoError(err)
	req.Equal(int64(7), msg.ID)
	req.Equal(int64(5), msg.CreatedAt)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_Insert_DuplicateRefIsValidation(t *testing.T) {
	req := require.New(t)
	mock, s := setupMockStore(t, time.UnixMilli(5))

	// Given the unique index rejects the insert
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(int64(3), int64(2), "", "image", sql.NullString{String: "shared.png", Valid: true}, int64(5)).
		WillReturnError(errors.New("UNIQUE constraint failed: messages.attachment_ref"))
	// And another row already owns the ref
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM messages WHERE attachment_ref = ?")).
		WithArgs("shared.png").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	// When the message is inserted
	_, err := s.Insert(context.Background(), model.NewMessage{SenderID: 3, ReceiverID: 2, Kind: model.KindImage, AttachmentRef: "shared.png"})

	// Then the caller gets a validation error, not a persistence error
	req.ErrorIs(err, errs.ErrValidation)
	req.NotErrorIs(err, errs.ErrPersistence)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_MarkSeen_ConditionalUpdate(t *testing.T) {
	req := require.New(t)
	now := time.UnixMilli(2_000)
	mock, s := setupMockStore(t, now)

	mock.ExpectBegin()
	// id 1 transitions
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_seen = 1, seen_at = CASE WHEN created_at > ? THEN created_at ELSE ? END WHERE id = ? AND is_seen = 0 AND receiver_id = ?")).
		WithArgs(int64(2_000), int64(2_000), int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + messageColumns + " FROM messages WHERE id = ?")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(1, 1, 2, "hi", "text", nil, 1_000, 2_000, true))
	// id 3 was already seen
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_seen = 1")).
		WithArgs(int64(2_000), int64(2_000), int64(3), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rows, err := s.MarkSeen(context.Background(), []int64{1, 3}, now, 2)
	req.NoError(err)
	req.Len(rows, 1)
	req.Equal(int64(1), rows[0].ID)
	req.Equal(int64(2_000), *rows[0].SeenAt)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_MarkSeen_RollsBackOnError(t *testing.T) {
	req := require.New(t)
	now := time.UnixMilli(2_000)
	mock, s := setupMockStore(t, now)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_seen = 1")).
		WillReturnError(errors.New("driver: bad connection"))
	mock.ExpectRollback()

	rows, err := s.MarkSeen(context.Background(), []int64{1}, now, 0)
	req.ErrorIs(err, errs.ErrPersistence)
	req.Nil(rows)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_QueryExpired_Threshold(t *testing.T) {
	req := require.New(t)
	now := time.UnixMilli(200_000)
	mock, s := setupMockStore(t, now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + messageColumns + " FROM messages WHERE is_seen = 1 AND seen_at <= ?")).
		WithArgs(int64(80_000)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(4, 1, 2, "", "image", "a.png", 1_000, 80_000, true))

	expired, err := s.QueryExpired(context.Background(), 2*time.Minute, now)
	req.NoError(err)
	req.Len(expired, 1)
	req.Equal("a.png", expired[0].AttachmentRef)
	req.Equal(model.KindImage, expired[0].Kind)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_Delete_ReportsExistingOnly(t *testing.T) {
	req := require.New(t)
	mock, s := setupMockStore(t, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE id = ?")).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE id = ?")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	deleted, err := s.Delete(context.Background(), []int64{4, 5, 4})
	req.NoError(err)
	req.Equal([]int64{4}, deleted)
	req.NoError(mock.ExpectationsWereMet())
}
