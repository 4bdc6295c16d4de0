package presence

import (
	"context"
	"sync"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

// MemoryStore keeps presence in process; used when Redis is not configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]chat.Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]chat.Presence)}
}

func (m *MemoryStore) Upsert(_ context.Context, p chat.Presence) error {
	m.mu.Lock()
	m.rows[p.UserID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Query(_ context.Context, userIDs []string) (map[string]chat.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]chat.Presence, len(userIDs))
	for _, id := range userIDs {
		if p, ok := m.rows[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
