package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC)
}

func TestMessageBodyVariants(t *testing.T) {
	text := Message{Content: "hi", Type: TypeText}
	_, ok := text.Body().(TextBody)
	assert.True(t, ok)

	file := Message{
		Content:  "photo.png",
		Type:     TypeImage,
		Metadata: Metadata{File: &FileAttachment{Name: "photo.png", MimeType: "image/png", URL: "u", Path: "p"}},
	}
	body, ok := file.Body().(FileBody)
	require.True(t, ok)
	assert.Equal(t, "photo.png", body.File.Name)
	assert.NoError(t, file.Validate())
}

func TestMessageValidate(t *testing.T) {
	assert.ErrorIs(t, Message{Type: TypeText, Content: "   "}.Validate(), ErrBlankMessage)
	assert.ErrorIs(t, Message{Type: "video", Content: "x"}.Validate(), ErrUnknownMessageType)
	assert.ErrorIs(t, Message{Type: TypeImage, Content: "x"}.Validate(), ErrImageTypeMismatch)

	pdf := Message{
		Type:     TypeImage,
		Content:  "a.pdf",
		Metadata: Metadata{File: &FileAttachment{Name: "a.pdf", MimeType: "application/pdf", URL: "u", Path: "p"}},
	}
	assert.ErrorIs(t, pdf.Validate(), ErrImageTypeMismatch)

	pdf.Type = TypeForMime("application/pdf")
	assert.Equal(t, TypeText, pdf.Type)
	assert.NoError(t, pdf.Validate())

	pdf.Metadata.File.URL = ""
	assert.ErrorIs(t, pdf.Validate(), ErrIncompleteFile)
}

func TestUpsertMessageKeepsOrderWithoutDuplicates(t *testing.T) {
	list := []Message{
		{ID: "a", CreatedAt: at(1)},
		{ID: "c", CreatedAt: at(3)},
	}

	list = UpsertMessage(list, Message{ID: "b", CreatedAt: at(2)})
	list = UpsertMessage(list, Message{ID: "b", CreatedAt: at(2), Content: "confirmed"})

	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(list))
	assert.Equal(t, "confirmed", list[1].Content)
}

func TestUpsertMessageTieBreaksOnID(t *testing.T) {
	list := []Message{{ID: "b", CreatedAt: at(1)}}
	list = UpsertMessage(list, Message{ID: "a", CreatedAt: at(1)})
	assert.Equal(t, []string{"a", "b"}, ids(list))
}

func TestDedupeMessagesLaterWins(t *testing.T) {
	list := DedupeMessages([]Message{
		{ID: "x", CreatedAt: at(2), Content: "optimistic"},
		{ID: "y", CreatedAt: at(1)},
		{ID: "x", CreatedAt: at(2), Content: "authoritative"},
	})

	require.Len(t, list, 2)
	assert.Equal(t, []string{"y", "x"}, ids(list))
	assert.Equal(t, "authoritative", list[1].Content)
}

func TestPresenceFreshness(t *testing.T) {
	now := at(30)
	assert.True(t, Presence{IsOnline: true, LastSeen: now.Add(-PresenceFreshness)}.EffectivelyOnline(now))
	assert.False(t, Presence{IsOnline: true, LastSeen: now.Add(-PresenceFreshness - time.Second)}.EffectivelyOnline(now))
	assert.False(t, Presence{IsOnline: false, LastSeen: now}.EffectivelyOnline(now))
	assert.False(t, Presence{IsOnline: true}.EffectivelyOnline(now))
}

func TestConversationPartner(t *testing.T) {
	conv := Conversation{ParticipantA: "alice", ParticipantB: "bob"}
	assert.Equal(t, "bob", conv.Partner("alice"))
	assert.Equal(t, "alice", conv.Partner("bob"))
	assert.Equal(t, "", conv.Partner("eve"))
	assert.False(t, conv.HasParticipant(""))
}

func ids(list []Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}
