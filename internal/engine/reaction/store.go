// Package reaction toggles emoji reactions on messages.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var ErrUserRequired = errors.New("reaction: user id is required")

type key struct {
	messageID string
	emoji     string
	userID    string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Store sends reaction toggles. Toggles of the same (message, emoji, user)
// are serialized so rapid repeated clicks reach the backend one at a time.
// The new reaction state arrives on the message-update channel.
type Store struct {
	backend backend.Reactions
	log     *slog.Logger

	mu    sync.Mutex
	locks map[key]*keyLock
}

func NewStore(b backend.Reactions, log *slog.Logger) *Store {
	if log == nil {
		log = logger.With("reaction")
	}
	return &Store{backend: b, log: log, locks: make(map[key]*keyLock)}
}

// Toggle adds userID to reactions[emoji] when absent and removes it otherwise.
func (s *Store) Toggle(ctx context.Context, messageID, emoji, userID string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return chat.ErrEmptyEmoji
	}
	if userID == "" {
		return ErrUserRequired
	}

	k := key{messageID: messageID, emoji: emoji, userID: userID}
	l := s.acquire(k)
	defer s.release(k, l)

	if err := s.backend.ToggleReaction(ctx, messageID, emoji, userID); err != nil {
		s.log.Warn("reaction_toggle_failed", "message_id", messageID, "emoji", emoji, "error", err)
		return fmt.Errorf("toggle %s on %s: %w", emoji, messageID, err)
	}
	return nil
}

// inFlight reports how many keys hold a lock.
func (s *Store) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Store) acquire(k key) *keyLock {
	s.mu.Lock()
	l, ok := s.locks[k]
	if !ok {
		l = &keyLock{}
		s.locks[k] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Store) release(k key, l *keyLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, k)
	}
	s.mu.Unlock()
}

// Groups applies the display rule: only emoji with at least one reactor, and
// Active when viewer is among them.
func Groups(r chat.Reactions, viewer string) []chat.ReactionGroup {
	return r.Groups(viewer)
}
