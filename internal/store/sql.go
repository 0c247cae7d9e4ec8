package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"hakanai/internal/model"
)

const messageColumns = "id, sender_id, receiver_id, content, kind, attachment_ref, created_at, seen_at, is_seen"

// SQLStore implements Store on database/sql. The queries only use syntax
// shared by MySQL/MariaDB and SQLite.
type SQLStore struct {
	db      *sql.DB
	log     *slog.Logger
	created *createdClock
}

func NewSQLStore(db *sql.DB, log *slog.Logger, opts ...Option) *SQLStore {
	o := newOptions(opts)
	return &SQLStore{db: db, log: log, created: newCreatedClock(o.now)}
}

func (s *SQLStore) Insert(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	if err := msg.Check(); err != nil {
		return model.Message{}, invalid(err)
	}

	createdAt := s.created.next()
	ref := sql.NullString{String: msg.AttachmentRef, Valid: msg.AttachmentRef != ""}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, content, kind, attachment_ref, created_at, is_seen) VALUES (?, ?, ?, ?, ?, ?, 0)",
		msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Kind), ref, createdAt,
	)
	if err != nil {
		// attachment_ref は一意インデックスなので既存の行があれば重複
		if ref.Valid && s.refInUse(ctx, msg.AttachmentRef) {
			return model.Message{}, invalid(fmt.Errorf("attachment_ref %q is already used", msg.AttachmentRef))
		}
		return model.Message{}, persistence("insert message", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return model.Message{}, persistence("insert message id", err)
	}

	return model.Message{
		ID:            id,
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Content:       msg.Content,
		Kind:          msg.Kind,
		AttachmentRef: msg.AttachmentRef,
		CreatedAt:     createdAt,
	}, nil
}

func (s *SQLStore) refInUse(ctx context.Context, ref string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE attachment_ref = ? LIMIT 1", ref).Scan(&one)
	return err == nil
}

func (s *SQLStore) QueryConversation(ctx context.Context, userA, userB int64) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?) ORDER BY created_at ASC, id ASC",
		userA, userB, userB, userA,
	)
	if err != nil {
		return nil, persistence("query conversation", err)
	}
	return collectMessages(rows, "query conversation")
}

func (s *SQLStore) MarkSeen(ctx context.Context, ids []int64, now time.Time, receiverID int64) ([]model.Message, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence("mark seen", err)
	}
	defer tx.Rollback() //nolint:errcheck

	nowMs := now.UnixMilli()
	query := "UPDATE messages SET is_seen = 1, seen_at = CASE WHEN created_at > ? THEN created_at ELSE ? END WHERE id = ? AND is_seen = 0"
	if receiverID != 0 {
		query += " AND receiver_id = ?"
	}

	var transitioned []model.Message
	for _, id := range ids {
		args := []any{nowMs, nowMs, id}
		if receiverID != 0 {
			args = append(args, receiverID)
		}

		// is_seen = 0 を条件にした更新なので、同時に来た既読通知は片方しか成功しない
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, persistence("mark seen", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, persistence("mark seen", err)
		}
		if n == 0 {
			continue
		}

		msg, err := scanMessage(tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
		if err != nil {
			return nil, persistence("mark seen reload", err)
		}
		transitioned = append(transitioned, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("mark seen commit", err)
	}
	return transitioned, nil
}

func (s *SQLStore) QueryExpired(ctx context.Context, ttl time.Duration, now time.Time) ([]model.Message, error) {
	threshold := now.Add(-ttl).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE is_seen = 1 AND seen_at <= ? ORDER BY seen_at ASC, id ASC",
		threshold,
	)
	if err != nil {
		return nil, persistence("query expired", err)
	}
	return collectMessages(rows, "query expired")
}

func (s *SQLStore) Delete(ctx context.Context, ids []int64) ([]int64, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence("delete messages", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var deleted []int64
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
		if err != nil {
			return nil, persistence("delete messages", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, persistence("delete messages", err)
		}
		if n > 0 {
			deleted = append(deleted, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("delete messages commit", err)
	}
	return deleted, nil
}

func (s *SQLStore) GetOrCreateUser(ctx context.Context, username string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, invalid(errors.New("username is required"))
	}

	user, err := s.findUser(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.User{}, persistence("find user", err)
	}

	result, err := s.db.ExecContext(ctx, "INSERT INTO users (username) VALUES (?)", username)
	if err != nil {
		// 同じユーザー名が並行して作成された場合は既存の行を返す
		if user, findErr := s.findUser(ctx, username); findErr == nil {
			return user, nil
		}
		return model.User{}, persistence("create user", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return model.User{}, persistence("create user id", err)
	}
	s.log.Info("✅ Created user", "id", id, "username", username)
	return model.User{ID: id, Username: username}, nil
}

func (s *SQLStore) findUser(ctx context.Context, username string) (model.User, error) {
	var user model.User
	err := s.db.QueryRowContext(ctx, "SELECT id, username FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username)
	return user, err
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, username FROM users ORDER BY id ASC")
	if err != nil {
		return nil, persistence("list users", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var user model.User
		if err := rows.Scan(&user.ID, &user.Username); err != nil {
			return nil, persistence("list users", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list users", err)
	}
	return users, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		msg    model.Message
		kind   string
		ref    sql.NullString
		seenAt sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &kind, &ref, &msg.CreatedAt, &seenAt, &msg.IsSeen); err != nil {
		return model.Message{}, err
	}
	msg.Kind = model.Kind(kind)
	msg.AttachmentRef = ref.String
	if seenAt.Valid {
		msg.SeenAt = lo.ToPtr(seenAt.Int64)
	}
	return msg, nil
}

func collectMessages(rows *sql.Rows, op string) ([]model.Message, error) {
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return messages, nil
}
