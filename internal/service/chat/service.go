package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tripmate/backend/internal/metrics"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	"github.com/zhouzirui/tripmate/backend/internal/store"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var (
	ErrParticipantRequired  = errors.New("participant id is required")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrConversationRequired = errors.New("conversation id is required")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSenderMismatch       = errors.New("sender does not match the authenticated user")
	ErrRateLimited          = errors.New("too many messages, slow down")
)

// Repository 是会话/消息/回执的持久化接口，由 store.Store 实现。
type Repository interface {
	CreateConversation(conv chat.Conversation) (chat.Conversation, bool, error)
	GetConversation(id string) (chat.Conversation, error)
	ListConversations(userID string) ([]chat.Conversation, error)
	AppendMessage(msg chat.Message) error
	ListMessages(conversationID string) ([]chat.Message, error)
	GetMessage(id string) (chat.Message, error)
	UpdateMessage(id string, fn func(*chat.Message) error) (chat.Message, error)
	PutReceipt(r chat.ReadReceipt) (bool, error)
	Receipts(messageIDs []string, readerID string) (map[string]bool, error)
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	SendRPS   float64
	SendBurst int
	Now       func() time.Time
}

// Service encapsulates conversation state management.
type Service struct {
	repo    Repository
	pub     Publisher
	limiter *limiterPool
	now     func() time.Time
}

// NewService wires the chat service to its repository and event publisher.
func NewService(repo Repository, pub Publisher, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:    repo,
		pub:     pub,
		limiter: newLimiterPool(opts.SendRPS, opts.SendBurst, now),
		now:     func() time.Time { return now().UTC() },
	}
}

// CreateConversation returns the conversation between actor and participant,
// creating it on first use. created reports whether a new one was made.
func (s *Service) CreateConversation(_ context.Context, actor, participant string) (chat.Conversation, bool, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return chat.Conversation{}, false, ErrParticipantRequired
	}
	if participant == actor {
		return chat.Conversation{}, false, ErrSelfConversation
	}

	conv, created, err := s.repo.CreateConversation(chat.Conversation{
		ID:           uuid.NewString(),
		ParticipantA: actor,
		ParticipantB: participant,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	if created {
		logger.Info("conversation_created", "conversation_id", conv.ID, "participant_a", conv.ParticipantA, "participant_b", conv.ParticipantB)
	}
	return conv, created, nil
}

// GetConversation retrieves a conversation the actor participates in.
func (s *Service) GetConversation(_ context.Context, actor, conversationID string) (chat.Conversation, error) {
	if conversationID == "" {
		return chat.Conversation{}, ErrConversationRequired
	}
	conv, err := s.repo.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Conversation{}, ErrConversationNotFound
		}
		return chat.Conversation{}, err
	}
	if !conv.HasParticipant(actor) {
		return chat.Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

// ListConversations returns the actor's conversations, newest first.
func (s *Service) ListConversations(_ context.Context, actor string) ([]chat.Conversation, error) {
	return s.repo.ListConversations(actor)
}

// ListMessages returns the authoritative history ordered by creation time.
func (s *Service) ListMessages(ctx context.Context, actor, conversationID string) ([]chat.Message, error) {
	if _, err := s.GetConversation(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(conversationID)
}

// SendMessage validates and persists a message, then publishes message.created.
func (s *Service) SendMessage(ctx context.Context, actor string, req chat.SendRequest) (chat.Message, error) {
	if req.SenderID != "" && req.SenderID != actor {
		return chat.Message{}, ErrSenderMismatch
	}
	req.SenderID = actor

	conv, err := s.GetConversation(ctx, actor, req.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}

	msg := req.Message()
	if err := msg.Validate(); err != nil {
		metrics.SendRejected.WithLabelValues("invalid").Inc()
		return chat.Message{}, err
	}
	if !s.limiter.Allow(actor) {
		metrics.SendRejected.WithLabelValues("rate_limited").Inc()
		logger.Warn("send_rate_limited", "sender_id", actor, "conversation_id", conv.ID)
		return chat.Message{}, ErrRateLimited
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()
	if err := s.repo.AppendMessage(msg); err != nil {
		logger.Error("message_append_failed", "conversation_id", conv.ID, "error", err)
		return chat.Message{}, err
	}

	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	s.publish(ctx, event.MessageCreated, event.MessagesTopic(conv.ID), msg)
	return msg, nil
}

// ToggleReaction flips actor's membership in reactions[emoji] and publishes
// the updated message on the metadata-update topic.
func (s *Service) ToggleReaction(ctx context.Context, actor, messageID, emoji string) (chat.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return chat.Message{}, chat.ErrEmptyEmoji
	}

	current, err := s.repo.GetMessage(messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Message{}, ErrMessageNotFound
		}
		return chat.Message{}, err
	}
	if _, err := s.GetConversation(ctx, actor, current.ConversationID); err != nil {
		return chat.Message{}, err
	}

	updated, err := s.repo.UpdateMessage(messageID, func(m *chat.Message) error {
		m.Metadata.Reactions = m.Metadata.Reactions.Normalize().Toggle(emoji, actor)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Message{}, ErrMessageNotFound
		}
		return chat.Message{}, err
	}

	metrics.ReactionsToggled.Inc()
	s.publish(ctx, event.MessageUpdated, event.MessageUpdatesTopic(updated.ConversationID), updated)
	return updated, nil
}

// MarkAsRead creates a receipt for every message in the conversation not
// authored by actor. Existing receipts are left untouched, so repeated calls
// are harmless. It returns the number of receipts created.
func (s *Service) MarkAsRead(ctx context.Context, actor, conversationID string) (int, error) {
	if _, err := s.GetConversation(ctx, actor, conversationID); err != nil {
		return 0, err
	}
	messages, err := s.repo.ListMessages(conversationID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, msg := range messages {
		if msg.SenderID == actor {
			continue
		}
		receipt := chat.ReadReceipt{
			MessageID:      msg.ID,
			ReaderID:       actor,
			ConversationID: conversationID,
			ReadAt:         s.now(),
		}
		ok, err := s.repo.PutReceipt(receipt)
		if err != nil {
			return created, err
		}
		if !ok {
			continue
		}
		created++
		metrics.ReceiptsCreated.Inc()
		s.publish(ctx, event.ReceiptCreated, event.ReceiptsTopic(conversationID), receipt)
	}

	if created > 0 {
		logger.Debug("messages_marked_read", "conversation_id", conversationID, "reader_id", actor, "count", created)
	}
	return created, nil
}

// QueryReceipts reports, per message id, whether readerID has read it. Ids the
// actor cannot see are reported unread.
func (s *Service) QueryReceipts(ctx context.Context, actor string, messageIDs []string, readerID string) (map[string]bool, error) {
	out := make(map[string]bool, len(messageIDs))
	visible := make([]string, 0, len(messageIDs))
	allowed := make(map[string]bool)

	for _, id := range messageIDs {
		out[id] = false
		msg, err := s.repo.GetMessage(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ok, seen := allowed[msg.ConversationID]
		if !seen {
			_, err := s.GetConversation(ctx, actor, msg.ConversationID)
			ok = err == nil
			allowed[msg.ConversationID] = ok
		}
		if ok {
			visible = append(visible, id)
		}
	}

	found, err := s.repo.Receipts(visible, readerID)
	if err != nil {
		return nil, err
	}
	for id, read := range found {
		out[id] = read
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, t event.Type, topic string, payload any) {
	if s.pub == nil {
		return
	}
	ev, err := event.New(t, topic, payload)
	if err != nil {
		logger.Error("event_build_failed", "type", t, "topic", topic, "error", err)
		return
	}
	s.pub.Publish(ctx, ev)
}
