package conversation

import (
	"context"
	"sync"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
)

// Switcher moves a view between conversations. Each switch fully closes the
// previous synchronizer before a fresh one opens, so nothing carries over.
type Switcher struct {
	backend backend.Backend
	opts    Options

	mu      sync.Mutex
	current *Synchronizer
}

func NewSwitcher(b backend.Backend, opts Options) *Switcher {
	return &Switcher{backend: b, opts: opts}
}

// Switch closes the current conversation and opens conversationID. The new
// synchronizer is returned even when opening fails, so the caller can Reload.
func (w *Switcher) Switch(ctx context.Context, conversationID string) (*Synchronizer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		w.current.Close()
	}
	next := New(w.backend, w.opts)
	w.current = next
	return next, next.Open(ctx, conversationID)
}

// Current returns the active synchronizer, nil before the first Switch.
func (w *Switcher) Current() *Synchronizer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close tears down the active conversation.
func (w *Switcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.Close()
		w.current = nil
	}
}
