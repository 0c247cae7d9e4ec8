package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"hakanai/internal/model"
)

const maxTxnRetries = 16

var errRefInUse = errors.New("attachment ref in use")

// BadgerStore keeps messages as JSON documents in BadgerDB.
//
// Keys:
//
//	msg:{id}                               -> message document
//	conv:{low}:{high}:{created_at}:{id}    -> conversation index
//	seen:{seen_at}:{id}                    -> expiry index, ascending by seen_at
//	ref:{attachment_ref}                   -> owning message id
//	user:id:{id} / user:name:{username}    -> identity
//
// Numbers are zero padded so lexicographic order is numeric order.
type BadgerStore struct {
	db      *badger.DB
	log     *slog.Logger
	created *createdClock
	msgSeq  *badger.Sequence
	userSeq *badger.Sequence
}

// OpenBadgerStore opens a BadgerDB at path. An empty path opens an in-memory database.
func OpenBadgerStore(path string, log *slog.Logger, opts ...Option) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("database opening failed: %w", err)
	}
	return NewBadgerStore(db, log, opts...)
}

func NewBadgerStore(db *badger.DB, log *slog.Logger, opts ...Option) (*BadgerStore, error) {
	msgSeq, err := db.GetSequence([]byte("seq:msg"), 100)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	userSeq, err := db.GetSequence([]byte("seq:user"), 10)
	if err != nil {
		_ = msgSeq.Release()
		return nil, fmt.Errorf("user sequence: %w", err)
	}

	o := newOptions(opts)
	return &BadgerStore{db: db, log: log, created: newCreatedClock(o.now), msgSeq: msgSeq, userSeq: userSeq}, nil
}

func msgKey(id int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d", id))
}

func convPrefix(userA, userB int64) string {
	low, high := min(userA, userB), max(userA, userB)
	return fmt.Sprintf("conv:%020d:%020d:", low, high)
}

func convKey(m model.Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%020d", convPrefix(m.SenderID, m.ReceiverID), m.CreatedAt, m.ID))
}

func seenKey(seenAt, id int64) []byte {
	return []byte(fmt.Sprintf("seen:%019d:%020d", seenAt, id))
}

func refKey(ref string) []byte {
	return []byte("ref:" + ref)
}

func userIDKey(id int64) []byte {
	return []byte(fmt.Sprintf("user:id:%020d", id))
}

func userNameKey(username string) []byte {
	return []byte("user:name:" + username)
}

// update retries fn when a concurrent transaction committed a conflicting write.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return badger.ErrConflict
}

func getMessage(txn *badger.Txn, id int64) (model.Message, bool, error) {
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}

	var msg model.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	return msg, err == nil, err
}

func putMessage(txn *badger.Txn, msg model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return txn.Set(msgKey(msg.ID), b)
}

func (s *BadgerStore) Insert(ctx context.Context, nm model.NewMessage) (model.Message, error) {
	if err := nm.Check(); err != nil {
		return model.Message{}, invalid(err)
	}

	next, err := s.msgSeq.Next()
	if err != nil {
		return model.Message{}, persistence("insert message id", err)
	}

	msg := model.Message{
		ID:            int64(next) + 1,
		SenderID:      nm.SenderID,
		ReceiverID:    nm.ReceiverID,
		Content:       nm.Content,
		Kind:          nm.Kind,
		AttachmentRef: nm.AttachmentRef,
		CreatedAt:     s.created.next(),
	}

	err = s.update(func(txn *badger.Txn) error {
		if msg.AttachmentRef != "" {
			_, err := txn.Get(refKey(msg.AttachmentRef))
			if err == nil {
				return errRefInUse
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(refKey(msg.AttachmentRef), []byte(strconv.FormatInt(msg.ID, 10))); err != nil {
				return err
			}
		}
		if err := putMessage(txn, msg); err != nil {
			return err
		}
		return txn.Set(convKey(msg), nil)
	})
	if errors.Is(err, errRefInUse) {
		return model.Message{}, invalid(fmt.Errorf("attachment_ref %q is already used", msg.AttachmentRef))
	}
	if err != nil {
		return model.Message{}, persistence("insert message", err)
	}
	return msg, nil
}

func (s *BadgerStore) QueryConversation(ctx context.Context, userA, userB int64) ([]model.Message, error) {
	messages := []model.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(convPrefix(userA, userB))
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := trailingID(it.Item().Key())
			if err != nil {
				return err
			}
			msg, ok, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if ok {
				messages = append(messages, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistence("query conversation", err)
	}
	return messages, nil
}

func (s *BadgerStore) MarkSeen(ctx context.Context, ids []int64, now time.Time, receiverID int64) ([]model.Message, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var transitioned []model.Message
	err := s.update(func(txn *badger.Txn) error {
		// リトライ時は前回の結果を捨てる
		transitioned = nil
		for _, id := range ids {
			msg, ok, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if !ok || msg.IsSeen {
				continue
			}
			if receiverID != 0 && msg.ReceiverID != receiverID {
				continue
			}

			seen := seenAt(msg.CreatedAt, now)
			msg.IsSeen = true
			msg.SeenAt = lo.ToPtr(seen)
			if err := putMessage(txn, msg); err != nil {
				return err
			}
			if err := txn.Set(seenKey(seen, msg.ID), nil); err != nil {
				return err
			}
			transitioned = append(transitioned, msg)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("mark seen", err)
	}
	return transitioned, nil
}

func (s *BadgerStore) QueryExpired(ctx context.Context, ttl time.Duration, now time.Time) ([]model.Message, error) {
	threshold := now.Add(-ttl).UnixMilli()
	expired := []model.Message{}

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("seen:")
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			parts := strings.Split(string(it.Item().Key()), ":")
			if len(parts) != 3 {
				return fmt.Errorf("malformed expiry key %q", it.Item().Key())
			}
			seen, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return err
			}
			if seen > threshold {
				break
			}
			id, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return err
			}
			msg, ok, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if ok && msg.IsSeen {
				expired = append(expired, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistence("query expired", err)
	}
	return expired, nil
}

func (s *BadgerStore) Delete(ctx context.Context, ids []int64) ([]int64, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var deleted []int64
	err := s.update(func(txn *badger.Txn) error {
		deleted = nil
		for _, id := range ids {
			msg, ok, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := txn.Delete(msgKey(id)); err != nil {
				return err
			}
			if err := txn.Delete(convKey(msg)); err != nil {
				return err
			}
			if msg.SeenAt != nil {
				if err := txn.Delete(seenKey(*msg.SeenAt, id)); err != nil {
					return err
				}
			}
			if msg.AttachmentRef != "" {
				if err := txn.Delete(refKey(msg.AttachmentRef)); err != nil {
					return err
				}
			}
			deleted = append(deleted, id)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("delete messages", err)
	}
	return deleted, nil
}

func (s *BadgerStore) GetOrCreateUser(ctx context.Context, username string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, invalid(errors.New("username is required"))
	}

	var (
		user    model.User
		created bool
	)
	err := s.update(func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(userNameKey(username))
		if err == nil {
			return item.Value(func(val []byte) error {
				id, err := strconv.ParseInt(string(val), 10, 64)
				user = model.User{ID: id, Username: username}
				return err
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next, err := s.userSeq.Next()
		if err != nil {
			return err
		}
		user = model.User{ID: int64(next) + 1, Username: username}
		b, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if err := txn.Set(userIDKey(user.ID), b); err != nil {
			return err
		}
		created = true
		return txn.Set(userNameKey(username), []byte(strconv.FormatInt(user.ID, 10)))
	})
	if err != nil {
		return model.User{}, persistence("get or create user", err)
	}
	if created {
		s.log.Info("✅ Created user", "id", user.ID, "username", username)
	}
	return user, nil
}

func (s *BadgerStore) ListUsers(ctx context.Context) ([]model.User, error) {
	users := []model.User{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:id:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user model.User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return err
			}
			users = append(users, user)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("list users", err)
	}
	return users, nil
}

func (s *BadgerStore) Close() error {
	_ = s.msgSeq.Release()
	_ = s.userSeq.Release()
	return s.db.Close()
}

func trailingID(key []byte) (int64, error) {
	k := string(key)
	i := strings.LastIndexByte(k, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed key %q", k)
	}
	return strconv.ParseInt(k[i+1:], 10, 64)
}
