package profile

import "sync"

// Store exposes profile retrieval for HTTP handlers and label synthesis.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns all known profiles.
func (s *MemoryStore) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Profile(nil), s.items...)
}

// FindByID looks up a profile by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Profile{}, false
}

// Put 新增或覆盖一个 profile（开发登录时自动注册未知用户）。
func (s *MemoryStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == p.ID {
			s.items[i] = p
			return
		}
	}
	s.items = append(s.items, p)
}
