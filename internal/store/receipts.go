package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

// PutReceipt creates the (message, reader) receipt once. A second call is a
// no-op reporting created=false.
func (s *Store) PutReceipt(r chat.ReadReceipt) (bool, error) {
	key := receiptKey(r.MessageID, r.ReaderID)
	defer s.lock(string(key))()

	found, err := s.exists(key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("marshal receipt: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

// HasReceipt reports whether readerID has read messageID.
func (s *Store) HasReceipt(messageID, readerID string) (bool, error) {
	return s.exists(receiptKey(messageID, readerID))
}

// Receipts answers HasReceipt for every id; absent ids map to false.
func (s *Store) Receipts(messageIDs []string, readerID string) (map[string]bool, error) {
	out := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ok, err := s.HasReceipt(id, readerID)
		if err != nil {
			return nil, err
		}
		out[id] = ok
	}
	return out, nil
}
