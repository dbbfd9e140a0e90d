// Package badgerstore is an embedded key-value backend for store.Store.
//
// Key layout:
//
//	user:{id}                               user record
//	username:{name}, email:{addr}           unique indexes -> id
//	msg:{id}                                message record
//	pair:{low}:{high}:{created}:{id}        conversation order index
//	pending:{receiver}:{sender}:{id}        undelivered index
//
// Numbers are zero padded to 19 digits so lexicographic order is numeric order.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/room"
	"github.com/pliu/duet/internal/store"
)

const maxTxnRetries = 10

type Store struct {
	db      *badger.DB
	log     *slog.Logger
	userSeq *badger.Sequence
	msgSeq  *badger.Sequence
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a badger directory. An empty path opens an
// in-memory database.
func Open(path string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	userSeq, err := db.GetSequence([]byte("seq:users"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("user sequence: %w", err)
	}
	msgSeq, err := db.GetSequence([]byte("seq:messages"), 1000)
	if err != nil {
		userSeq.Release()
		db.Close()
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &Store{db: db, log: log, userSeq: userSeq, msgSeq: msgSeq}, nil
}

type diskUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsOnline bool   `json:"is_online"`
	LastSeen int64  `json:"last_seen"`
}

type diskMessage struct {
	ID          int    `json:"id"`
	SenderID    int    `json:"sender_id"`
	ReceiverID  int    `json:"receiver_id"`
	Body        string `json:"body"`
	CreatedAt   int64  `json:"created_at"`
	IsDelivered bool   `json:"is_delivered"`
	IsRead      bool   `json:"is_read"`
}

func pad(n int64) string { return fmt.Sprintf("%019d", n) }

func userKey(id int) []byte { return []byte("user:" + pad(int64(id))) }
func usernameKey(name string) []byte { return []byte("username:" + name) }
func emailKey(addr string) []byte { return []byte("email:" + addr) }
func messageKey(id int) []byte { return []byte("msg:" + pad(int64(id))) }
func pendingPrefix(receiver, sender int) []byte {
	return []byte(fmt.Sprintf("pending:%s:%s:", pad(int64(receiver)), pad(int64(sender))))
}
func pendingKey(receiver, sender, id int) []byte {
	return append(pendingPrefix(receiver, sender), pad(int64(id))...)
}
func pairPrefix(a, b int) []byte {
	k := room.NewKey(a, b)
	return []byte(fmt.Sprintf("pair:%s:%s:", pad(int64(k.Low)), pad(int64(k.High))))
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("Badger transaction conflict, retrying", "attempt", i+1)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) nextID(seq *badger.Sequence) (int, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequences start at 0; ids start at 1 like SQL autoincrement.
	return int(n) + 1, nil
}

func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *Store) Close() error {
	_ = s.userSeq.Release()
	_ = s.msgSeq.Release()
	return s.db.Close()
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	id, err := s.nextID(s.userSeq)
	if err != nil {
		return fmt.Errorf("next user id: %w", err)
	}
	now := time.Now().UnixNano()
	err = s.update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{usernameKey(user.Username), emailKey(user.Email)} {
			if _, err := txn.Get(key); err == nil {
				return store.ErrUserExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		idBytes := []byte(strconv.Itoa(id))
		if err := txn.Set(usernameKey(user.Username), idBytes); err != nil {
			return err
		}
		if err := txn.Set(emailKey(user.Email), idBytes); err != nil {
			return err
		}
		return setJSON(txn, userKey(id), diskUser{
			ID:       id,
			Username: user.Username,
			Email:    user.Email,
			Password: user.Password,
			LastSeen: now,
		})
	})
	if err != nil {
		return err
	}
	user.ID = id
	return nil
}

func toUser(d diskUser) *models.User {
	u := &models.User{
		ID:       d.ID,
		Username: d.Username,
		Email:    d.Email,
		Password: d.Password,
		IsOnline: d.IsOnline,
	}
	if d.LastSeen != 0 {
		u.LastSeen = time.Unix(0, d.LastSeen).UTC()
	}
	return u
}

func (s *Store) GetUserByID(_ context.Context, id int) (*models.User, error) {
	var d diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &d)
	})
	if err != nil {
		return nil, err
	}
	return toUser(d), nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	var d diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("corrupt username index: %w", err)
		}
		return getJSON(txn, userKey(id), &d)
	})
	if err != nil {
		return nil, err
	}
	return toUser(d), nil
}

func (s *Store) ListUsers(_ context.Context, excludeID int) ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("user:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d diskUser
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			})
			if err != nil {
				return err
			}
			if d.ID == excludeID {
				continue
			}
			users = append(users, *toUser(d))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b models.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) SetPresence(_ context.Context, userID int, online bool, at time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		var d diskUser
		if err := getJSON(txn, userKey(userID), &d); err != nil {
			return err
		}
		if at.UnixNano() < d.LastSeen {
			return nil
		}
		d.IsOnline = online
		d.LastSeen = at.UnixNano()
		return setJSON(txn, userKey(userID), d)
	})
}

func toMessage(d diskMessage) models.Message {
	return models.Message{
		ID:          d.ID,
		SenderID:    d.SenderID,
		ReceiverID:  d.ReceiverID,
		Body:        d.Body,
		CreatedAt:   time.Unix(0, d.CreatedAt).UTC(),
		IsDelivered: d.IsDelivered,
		IsRead:      d.IsRead,
	}
}

func (s *Store) CreateMessage(_ context.Context, senderID, receiverID int, body string, delivered bool) (*models.Message, error) {
	id, err := s.nextID(s.msgSeq)
	if err != nil {
		return nil, fmt.Errorf("next message id: %w", err)
	}
	d := diskMessage{
		ID:          id,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Body:        body,
		CreatedAt:   time.Now().UTC().UnixNano(),
		IsDelivered: delivered,
	}
	err = s.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, messageKey(id), d); err != nil {
			return err
		}
		order := append(pairPrefix(senderID, receiverID), []byte(pad(d.CreatedAt)+":"+pad(int64(id)))...)
		if err := txn.Set(order, nil); err != nil {
			return err
		}
		if !delivered {
			return txn.Set(pendingKey(receiverID, senderID, id), nil)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	m := toMessage(d)
	return &m, nil
}

// idSuffix parses the trailing zero padded id of an index key.
func idSuffix(key []byte) (int, error) {
	k := string(key)
	return strconv.Atoi(k[strings.LastIndexByte(k, ':')+1:])
}

func (s *Store) QueryMessages(_ context.Context, userA, userB int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := pairPrefix(userA, userB)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := idSuffix(it.Item().Key())
			if err != nil {
				return err
			}
			var d diskMessage
			if err := getJSON(txn, messageKey(id), &d); err != nil {
				return err
			}
			messages = append(messages, toMessage(d))
		}
		return nil
	})
	return messages, err
}

// UpdateDeliveredBatch reads the pending index and rewrites the messages in
// one serializable transaction; a concurrent flush of the same set makes one
// of them conflict and retry against the updated index.
func (s *Store) UpdateDeliveredBatch(_ context.Context, senderID, receiverID int) ([]int, error) {
	var ids []int
	err := s.update(func(txn *badger.Txn) error {
		ids = ids[:0]
		var keys [][]byte

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := pendingPrefix(receiverID, senderID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			id, err := idSuffix(key)
			if err != nil {
				return err
			}
			var d diskMessage
			if err := getJSON(txn, messageKey(id), &d); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if d.IsDelivered {
				continue
			}
			d.IsDelivered = true
			if err := setJSON(txn, messageKey(id), d); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update delivered: %w", err)
	}
	return ids, nil
}

func (s *Store) UpdateRead(_ context.Context, messageID int) (store.ReadResult, error) {
	var result store.ReadResult
	err := s.update(func(txn *badger.Txn) error {
		result = store.ReadResult{}
		var d diskMessage
		if err := getJSON(txn, messageKey(messageID), &d); err != nil {
			return err
		}
		if !d.IsDelivered {
			d.IsDelivered = true
			result.Delivered = true
			if err := txn.Delete(pendingKey(d.ReceiverID, d.SenderID, d.ID)); err != nil {
				return err
			}
		}
		if !d.IsRead {
			d.IsRead = true
			result.Read = true
		}
		m := toMessage(d)
		result.Message = &m
		if !result.Delivered && !result.Read {
			return nil
		}
		return setJSON(txn, messageKey(messageID), d)
	})
	if err != nil {
		return store.ReadResult{}, err
	}
	return result, nil
}
