// Package receipt tracks whether the conversation partner has read the
// viewer's messages.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

// Tracker holds readByOther for one open conversation. Read state only moves
// from false to true.
type Tracker struct {
	backend   backend.Receipts
	viewerID  string
	partnerID string
	log       *slog.Logger

	mu          sync.RWMutex
	readByOther map[string]bool
	authors     map[string]string
}

func NewTracker(b backend.Receipts, viewerID, partnerID string, log *slog.Logger) *Tracker {
	if log == nil {
		log = logger.With("receipt")
	}
	return &Tracker{
		backend:     b,
		viewerID:    viewerID,
		partnerID:   partnerID,
		log:         log,
		readByOther: make(map[string]bool),
		authors:     make(map[string]string),
	}
}

// Track records message authorship so receipts for the partner's own
// messages can be told apart.
func (t *Tracker) Track(messages []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range messages {
		t.authors[m.ID] = m.SenderID
	}
}

// Load fetches receipts for every viewer-authored message not yet known read.
// On failure the messages stay unread and the error is returned.
func (t *Tracker) Load(ctx context.Context, messages []chat.Message) error {
	t.Track(messages)

	t.mu.RLock()
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.SenderID == t.viewerID && !t.readByOther[m.ID] {
			ids = append(ids, m.ID)
		}
	}
	t.mu.RUnlock()

	if len(ids) == 0 || t.partnerID == "" {
		return nil
	}

	found, err := t.backend.FetchReadReceiptsForMessages(ctx, ids, t.partnerID)
	if err != nil {
		t.log.Warn("receipt_fetch_failed", "count", len(ids), "error", err)
		return fmt.Errorf("fetch receipts: %w", err)
	}

	t.mu.Lock()
	for id, read := range found {
		if read {
			t.readByOther[id] = true
		}
	}
	t.mu.Unlock()
	return nil
}

// MarkAllAsRead creates receipts for every inbound message. Safe to repeat.
func (t *Tracker) MarkAllAsRead(ctx context.Context, conversationID string) error {
	if err := t.backend.MarkMessagesAsRead(ctx, conversationID, t.viewerID); err != nil {
		t.log.Warn("mark_read_failed", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return nil
}

// Apply handles a pushed receipt and reports whether state changed. Only the
// partner's receipts count; the viewer's own read actions are ignored, as are
// receipts for messages the partner wrote.
func (t *Tracker) Apply(r chat.ReadReceipt) bool {
	if r.ReaderID == "" || r.ReaderID != t.partnerID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if author, known := t.authors[r.MessageID]; known && author != t.viewerID {
		return false
	}
	if t.readByOther[r.MessageID] {
		return false
	}
	t.readByOther[r.MessageID] = true
	return true
}

// ReadByOther reports whether the partner has read messageID.
func (t *Tracker) ReadByOther(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readByOther[messageID]
}
