package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type 推送事件类型。
type Type string

const (
	MessageCreated  Type = "message.created"
	MessageUpdated  Type = "message.updated"
	ReceiptCreated  Type = "receipt.created"
	PresenceUpdated Type = "presence.updated"
)

// Event is the push envelope shared by the server hub, the WebSocket and SSE
// transports, and the remote client.
type Event struct {
	Type   Type            `json:"type"`
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin,omitempty"`
	At     time.Time       `json:"at"`
}

// New marshals payload into an event on topic.
func New(t Type, topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Topic: topic, Data: data, At: time.Now().UTC()}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

const (
	prefixMessages       = "messages"
	prefixMessageUpdates = "message-updates"
	prefixReceipts       = "receipts"
	prefixPresence       = "presence"
)

func MessagesTopic(conversationID string) string {
	return prefixMessages + ":" + conversationID
}

func MessageUpdatesTopic(conversationID string) string {
	return prefixMessageUpdates + ":" + conversationID
}

func ReceiptsTopic(conversationID string) string {
	return prefixReceipts + ":" + conversationID
}

func PresenceTopic(userID string) string {
	return prefixPresence + ":" + userID
}

// Scope 描述一个 topic 所属的资源。
type Scope struct {
	Kind           string
	ConversationID string
	UserID         string
}

// ParseTopic splits a topic into its scope. Unknown prefixes are rejected.
func ParseTopic(topic string) (Scope, error) {
	prefix, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid topic %q", topic)
	}
	switch prefix {
	case prefixMessages, prefixMessageUpdates, prefixReceipts:
		return Scope{Kind: prefix, ConversationID: id}, nil
	case prefixPresence:
		return Scope{Kind: prefix, UserID: id}, nil
	default:
		return Scope{}, fmt.Errorf("unknown topic prefix %q", prefix)
	}
}
