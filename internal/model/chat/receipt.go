package chat

import "time"

// ReadReceipt records that ReaderID has seen MessageID. Existence is the signal.
type ReadReceipt struct {
	MessageID      string    `json:"messageId"`
	ReaderID       string    `json:"readerId"`
	ConversationID string    `json:"conversationId"`
	ReadAt         time.Time `json:"readAt"`
}
