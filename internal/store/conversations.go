package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

// CreateConversation stores conv unless its participant pair already has a
// conversation, in which case the existing one is returned with created=false.
func (s *Store) CreateConversation(conv chat.Conversation) (chat.Conversation, bool, error) {
	pk := pairKey(conv.ParticipantA, conv.ParticipantB)
	defer s.lock(string(pk))()

	raw, closer, err := s.db.Get(pk)
	switch {
	case err == nil:
		existingID := string(raw)
		closer.Close()
		existing, gerr := s.GetConversation(existingID)
		return existing, false, gerr
	case !errors.Is(err, pebble.ErrNotFound):
		return chat.Conversation{}, false, err
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return chat.Conversation{}, false, fmt.Errorf("marshal conversation: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(conversationKey(conv.ID), data, nil); err != nil {
		return chat.Conversation{}, false, err
	}
	if err := batch.Set(pk, []byte(conv.ID), nil); err != nil {
		return chat.Conversation{}, false, err
	}
	if err := batch.Set(membershipKey(conv.ParticipantA, conv.ID), nil, nil); err != nil {
		return chat.Conversation{}, false, err
	}
	if err := batch.Set(membershipKey(conv.ParticipantB, conv.ID), nil, nil); err != nil {
		return chat.Conversation{}, false, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return chat.Conversation{}, false, fmt.Errorf("commit conversation: %w", err)
	}
	return conv, true, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(id string) (chat.Conversation, error) {
	var conv chat.Conversation
	if err := s.getJSON(conversationKey(id), &conv); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns the conversations userID takes part in, newest first.
func (s *Store) ListConversations(userID string) ([]chat.Conversation, error) {
	var ids []string
	err := s.scanPrefix(membershipPrefix(userID), func(key, _ []byte) error {
		ids = append(ids, conversationFromMembership(key, userID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, conv)
	}
	sortConversations(out)
	return out, nil
}
