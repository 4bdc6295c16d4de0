package remote

import (
	"context"
	"log/slog"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
)

func (c *Client) SubscribeToMessages(ctx context.Context, conversationID string, fn func(chat.Message)) (backend.Subscription, error) {
	return c.socket.subscribe(ctx, event.MessagesTopic(conversationID), decodeInto(c.log, fn))
}

func (c *Client) SubscribeToMessageUpdates(ctx context.Context, conversationID string, fn func(chat.Message)) (backend.Subscription, error) {
	return c.socket.subscribe(ctx, event.MessageUpdatesTopic(conversationID), decodeInto(c.log, fn))
}

func (c *Client) SubscribeToReadReceipts(ctx context.Context, conversationID string, fn func(chat.ReadReceipt)) (backend.Subscription, error) {
	return c.socket.subscribe(ctx, event.ReceiptsTopic(conversationID), decodeInto(c.log, fn))
}

func (c *Client) SubscribeToPresence(ctx context.Context, userID string, fn func(chat.Presence)) (backend.Subscription, error) {
	return c.socket.subscribe(ctx, event.PresenceTopic(userID), decodeInto(c.log, fn))
}

// decodeInto drops events whose payload does not decode as T.
func decodeInto[T any](log *slog.Logger, fn func(T)) func(event.Event) {
	return func(ev event.Event) {
		var v T
		if err := ev.Decode(&v); err != nil {
			log.Warn("event_decode_failed", "topic", ev.Topic, "type", ev.Type, "error", err)
			return
		}
		fn(v)
	}
}
