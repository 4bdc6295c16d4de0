package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/zhouzirui/tripmate/backend/internal/metrics"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var ErrUserRequired = errors.New("user id is required")

// Store 保存每个用户唯一的一行在线状态，持续覆盖写。
type Store interface {
	Upsert(ctx context.Context, p chat.Presence) error
	Query(ctx context.Context, userIDs []string) (map[string]chat.Presence, error)
}

// Publisher fans presence changes out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// Service records heartbeats and publishes presence.updated on the user's topic.
type Service struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// NewService creates a presence service. now may be nil.
func NewService(store Store, pub Publisher, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, pub: pub, now: now}
}

// Heartbeat overwrites the user's row with online and the current time.
func (s *Service) Heartbeat(ctx context.Context, userID string, online bool) (chat.Presence, error) {
	if userID == "" {
		return chat.Presence{}, ErrUserRequired
	}
	p := chat.Presence{UserID: userID, IsOnline: online, LastSeen: s.now().UTC()}
	if err := s.store.Upsert(ctx, p); err != nil {
		logger.Warn("presence_upsert_failed", "user_id", userID, "error", err)
		return chat.Presence{}, err
	}
	metrics.PresenceWrites.WithLabelValues(strconv.FormatBool(online)).Inc()

	if s.pub != nil {
		ev, err := event.New(event.PresenceUpdated, event.PresenceTopic(userID), p)
		if err == nil {
			s.pub.Publish(ctx, ev)
		}
	}
	return p, nil
}

// Query returns the stored rows; ids without a row are absent from the map.
func (s *Service) Query(ctx context.Context, userIDs []string) (map[string]chat.Presence, error) {
	return s.store.Query(ctx, userIDs)
}
