package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var ErrNotFound = errors.New("not found")

// Store persists conversations, messages and read receipts in Pebble.
//
// Key layout:
//
//	c/<conv>                    conversation json
//	cp/<userA>|<userB>          conversation id for a sorted participant pair
//	uc/<user>/<conv>            membership index
//	m/<conv>/<unixnano>/<msg>   message json, iterates in (created_at, id) order
//	mi/<msg>                    message key lookup
//	r/<msg>/<reader>            read receipt json
type Store struct {
	db *pebble.DB

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// keyLock 引用计数，最后一个持有者释放时从表中移除
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens or creates the database at dir. opts may be nil.
func Open(dir string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", dir, "error", err)
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &Store{db: db, locks: make(map[string]*keyLock)}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// lock serialises read-modify-write cycles on key and returns the unlock
// func. Entries live only while someone holds or waits for them.
func (s *Store) lock(key string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

func (s *Store) getJSON(key []byte, v any) error {
	raw, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(raw, v)
}

func (s *Store) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// scanPrefix calls fn for every key/value under prefix in key order.
func (s *Store) scanPrefix(prefix string, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix string) []byte {
	return append([]byte(prefix), 0xff)
}

func sortConversations(list []chat.Conversation) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
