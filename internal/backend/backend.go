// Package backend defines the data, push and storage contract the
// conversation engine consumes. remote implements it over HTTP and WebSocket;
// backendtest provides an in-memory fake.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

var (
	ErrNotFound     = errors.New("backend: not found")
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrForbidden    = errors.New("backend: forbidden")
	ErrRateLimited  = errors.New("backend: rate limited")
	ErrClosed       = errors.New("backend: connection closed")
)

// StatusError carries a non-2xx response that has no dedicated sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// Subscription is released exactly once; Unsubscribe is idempotent. A
// delivery already in progress may finish, but none starts after it returns.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Messages 会话与消息的读写。
type Messages interface {
	GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	// GetConversationMessages is authoritative and ordered by creation time.
	GetConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, req chat.SendRequest) error
}

// Receipts 已读回执。
type Receipts interface {
	// MarkMessagesAsRead is idempotent.
	MarkMessagesAsRead(ctx context.Context, conversationID, readerID string) error
	// FetchReadReceiptsForMessages maps every id to whether readerID read it.
	FetchReadReceiptsForMessages(ctx context.Context, messageIDs []string, readerID string) (map[string]bool, error)
}

// Reactions toggles emoji reactions. The result arrives on the
// message-update channel, not as a return value.
type Reactions interface {
	ToggleReaction(ctx context.Context, messageID, emoji, userID string) error
}

// Realtime push channels. Handlers run on the transport's delivery goroutine.
type Realtime interface {
	SubscribeToMessages(ctx context.Context, conversationID string, fn func(chat.Message)) (Subscription, error)
	SubscribeToMessageUpdates(ctx context.Context, conversationID string, fn func(chat.Message)) (Subscription, error)
	// SubscribeToReadReceipts delivers every receipt of the conversation; the
	// caller filters by reader.
	SubscribeToReadReceipts(ctx context.Context, conversationID string, fn func(chat.ReadReceipt)) (Subscription, error)
	SubscribeToPresence(ctx context.Context, userID string, fn func(chat.Presence)) (Subscription, error)
}

// Reconnector is implemented by push transports that can drop events while
// disconnected. fn runs once the transport is connected again and every
// registered topic is re-subscribed; it must not block.
type Reconnector interface {
	OnReconnect(fn func()) Subscription
}

// Backend is everything the conversation synchronizer needs.
type Backend interface {
	Messages
	Receipts
	Reactions
	Realtime
}

// File is an attachment picked by the user, not yet uploaded.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Body     io.Reader
}

// StoredObject is the location of an uploaded file.
type StoredObject struct {
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
}

// ObjectStorage 附件存储。
type ObjectStorage interface {
	Upload(ctx context.Context, path string, file File) (StoredObject, error)
	PublicURL(ctx context.Context, path string) (string, error)
	Remove(ctx context.Context, path string) error
}

// PresenceStore holds one continuously overwritten row per user.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, userID string, online bool, at time.Time) error
	// QueryPresence omits ids without a stored row.
	QueryPresence(ctx context.Context, userIDs []string) (map[string]chat.Presence, error)
}
