package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// MessageType 是存储层接受的封闭消息类型集合。
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

var (
	ErrBlankMessage       = errors.New("message content is blank")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrImageTypeMismatch  = errors.New("image type requires an image attachment")
	ErrIncompleteFile     = errors.New("file attachment is incomplete")
)

// Message is a single entry of a conversation timeline.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderLabel    string      `json:"senderLabel,omitempty"` // 仅客户端使用，不持久化
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Metadata       Metadata    `json:"metadata"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Metadata holds the two independently mutable sub-records of a message.
type Metadata struct {
	File      *FileAttachment `json:"file,omitempty"`
	Reactions Reactions       `json:"reactions,omitempty"`
}

// FileAttachment 描述消息附带的文件。
type FileAttachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
	Path     string `json:"path"`
}

// Body is the sealed variant carried by a message: TextBody or FileBody.
type Body interface {
	isBody()
}

// TextBody 纯文本消息。
type TextBody struct {
	Text string
}

// FileBody 附件消息，Caption 为展示名或用户附加的说明。
type FileBody struct {
	Caption string
	File    FileAttachment
}

func (TextBody) isBody() {}
func (FileBody) isBody() {}

// Body returns the message variant. A message with a file attachment is always
// a FileBody regardless of its type tag.
func (m Message) Body() Body {
	if m.Metadata.File != nil {
		return FileBody{Caption: m.Content, File: *m.Metadata.File}
	}
	return TextBody{Text: m.Content}
}

// Validate enforces the variant rules at the service boundary.
func (m Message) Validate() error {
	switch m.Type {
	case TypeText, TypeImage:
	default:
		return ErrUnknownMessageType
	}

	switch body := m.Body().(type) {
	case FileBody:
		f := body.File
		if strings.TrimSpace(f.Name) == "" || f.URL == "" || f.Path == "" || f.MimeType == "" {
			return ErrIncompleteFile
		}
		if m.Type == TypeImage && !IsImageMime(f.MimeType) {
			return ErrImageTypeMismatch
		}
	case TextBody:
		if m.Type == TypeImage {
			return ErrImageTypeMismatch
		}
		if strings.TrimSpace(body.Text) == "" {
			return ErrBlankMessage
		}
	}
	return nil
}

// TypeForMime picks the type tag for an attachment: image only for image mimes.
func TypeForMime(mime string) MessageType {
	if IsImageMime(mime) {
		return TypeImage
	}
	return TypeText
}

// SendRequest is the payload of the backend send primitive.
type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	Metadata       *Metadata   `json:"metadata,omitempty"`
}

// Message builds the message a send request describes, without id or timestamp.
func (r SendRequest) Message() Message {
	msg := Message{
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Type:           r.Type,
	}
	if msg.Type == "" {
		msg.Type = TypeText
	}
	if r.Metadata != nil {
		msg.Metadata.File = r.Metadata.File
	}
	return msg
}

// Less orders messages by creation time, then by id.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts in place by (CreatedAt, ID).
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool { return Less(messages[i], messages[j]) })
}

// UpsertMessage replaces the entry with the same id or inserts msg at its
// ordered position. The input slice is not modified.
func UpsertMessage(messages []Message, msg Message) []Message {
	out := make([]Message, 0, len(messages)+1)
	for _, existing := range messages {
		if existing.ID != msg.ID {
			out = append(out, existing)
		}
	}
	idx := sort.Search(len(out), func(i int) bool { return Less(msg, out[i]) })
	out = append(out, Message{})
	copy(out[idx+1:], out[idx:])
	out[idx] = msg
	return out
}

// DedupeMessages returns an ordered copy holding one entry per id. When an id
// repeats, the later occurrence wins.
func DedupeMessages(messages []Message) []Message {
	latest := make(map[string]int, len(messages))
	for i, m := range messages {
		latest[m.ID] = i
	}
	out := make([]Message, 0, len(latest))
	for i, m := range messages {
		if latest[m.ID] == i {
			out = append(out, m)
		}
	}
	SortMessages(out)
	return out
}
