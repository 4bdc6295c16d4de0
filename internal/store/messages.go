package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

// AppendMessage persists a new message and its id index.
func (s *Store) AppendMessage(msg chat.Message) error {
	msg.SenderLabel = ""
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := messageKey(msg.ConversationID, msg.CreatedAt, msg.ID)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return err
	}
	if err := batch.Set(messageIndexKey(msg.ID), key, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// ListMessages returns the conversation history ordered by (created_at, id).
func (s *Store) ListMessages(conversationID string) ([]chat.Message, error) {
	out := make([]chat.Message, 0, 32)
	err := s.scanPrefix(messagePrefix(conversationID), func(_, value []byte) error {
		var msg chat.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) messageLocation(id string) ([]byte, error) {
	raw, closer, err := s.db.Get(messageIndexKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), raw...), nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(id string) (chat.Message, error) {
	key, err := s.messageLocation(id)
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	if err := s.getJSON(key, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// UpdateMessage applies fn to the stored message under a per-message lock and
// persists the result. Only metadata changes are expected; the key is reused.
func (s *Store) UpdateMessage(id string, fn func(*chat.Message) error) (chat.Message, error) {
	defer s.lock("msg:" + id)()

	key, err := s.messageLocation(id)
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	if err := s.getJSON(key, &msg); err != nil {
		return chat.Message{}, err
	}
	if err := fn(&msg); err != nil {
		return chat.Message{}, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}
