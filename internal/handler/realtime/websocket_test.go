package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	chatService "github.com/zhouzirui/tripmate/backend/internal/service/chat"
	realtimeService "github.com/zhouzirui/tripmate/backend/internal/service/realtime"
)

type stubConversations map[string]chat.Conversation

func (s stubConversations) GetConversation(_ context.Context, actor, id string) (chat.Conversation, error) {
	conv, ok := s[id]
	if !ok {
		return chat.Conversation{}, chatService.ErrConversationNotFound
	}
	if !conv.HasParticipant(actor) {
		return chat.Conversation{}, chatService.ErrNotParticipant
	}
	return conv, nil
}

func setup(t *testing.T) (*realtimeService.Hub, string) {
	t.Helper()
	hub := realtimeService.NewHub(8)
	convs := stubConversations{
		"c1": {ID: "c1", ParticipantA: "mei", ParticipantB: "tomas"},
	}
	h := NewWebSocketHandler(hub, convs, Options{PingInterval: time.Second, ReadTimeout: 5 * time.Second})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithActor(r.Context(), r.URL.Query().Get("as"))))
		})
	})
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, actor string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?as="+actor, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, out event.Frame) event.Frame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(out))
	return read(t, conn)
}

func read(t *testing.T, conn *websocket.Conn) event.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var in event.Frame
	require.NoError(t, conn.ReadJSON(&in))
	return in
}

func TestSubscribeReceivesEvents(t *testing.T) {
	hub, url := setup(t)
	conn := dial(t, url, "mei")

	topic := event.MessagesTopic("c1")
	ack := roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: topic})
	require.Equal(t, event.FrameSubscribed, ack.Type)
	assert.Equal(t, topic, ack.Topic)

	ev, err := event.New(event.MessageCreated, topic, chat.Message{ID: "m1", ConversationID: "c1", Content: "hola"})
	require.NoError(t, err)
	hub.Publish(context.Background(), ev)

	got := read(t, conn)
	require.Equal(t, event.FrameEvent, got.Type)
	require.NotNil(t, got.Event)
	assert.Equal(t, event.MessageCreated, got.Event.Type)

	var msg chat.Message
	require.NoError(t, got.Event.Decode(&msg))
	assert.Equal(t, "m1", msg.ID)
}

func TestSubscribeRequiresParticipant(t *testing.T) {
	hub, url := setup(t)
	conn := dial(t, url, "aiko")

	topic := event.ReceiptsTopic("c1")
	got := roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: topic})
	assert.Equal(t, event.FrameError, got.Type)
	assert.Equal(t, topic, got.Topic)
	assert.Zero(t, hub.SubscriberCount(topic))

	got = roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: "bogus"})
	assert.Equal(t, event.FrameError, got.Type)
}

func TestPresenceTopicOpenToAnyUser(t *testing.T) {
	_, url := setup(t)
	conn := dial(t, url, "aiko")

	got := roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: event.PresenceTopic("tomas")})
	assert.Equal(t, event.FrameSubscribed, got.Type)
}

func TestDuplicateSubscribeIsIdempotent(t *testing.T) {
	hub, url := setup(t)
	conn := dial(t, url, "tomas")
	topic := event.MessageUpdatesTopic("c1")

	roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: topic})
	got := roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: topic})
	assert.Equal(t, event.FrameSubscribed, got.Type)
	assert.Equal(t, 1, hub.SubscriberCount(topic))
}

func TestUnsubscribeAndDisconnectRelease(t *testing.T) {
	hub, url := setup(t)
	conn := dial(t, url, "mei")
	messages := event.MessagesTopic("c1")
	presence := event.PresenceTopic("tomas")

	roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: messages})
	roundTrip(t, conn, event.Frame{Type: event.FrameSubscribe, Topic: presence})

	got := roundTrip(t, conn, event.Frame{Type: event.FrameUnsubscribe, Topic: messages})
	assert.Equal(t, event.FrameUnsubscribed, got.Type)
	assert.Zero(t, hub.SubscriberCount(messages))
	assert.Equal(t, 1, hub.SubscriberCount(presence))

	conn.Close()
	assert.Eventually(t, func() bool { return hub.SubscriberCount(presence) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPingFrame(t *testing.T) {
	_, url := setup(t)
	conn := dial(t, url, "mei")

	got := roundTrip(t, conn, event.Frame{Type: event.FramePing})
	assert.Equal(t, event.FramePong, got.Type)
}

func TestRejectsAnonymous(t *testing.T) {
	_, url := setup(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
