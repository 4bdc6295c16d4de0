// Package backendtest provides an in-memory backend.Backend with failure
// injection, used to drive the conversation engine in tests.
package backendtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
)

// Op names a fake operation for hooks and call counting.
type Op string

const (
	OpGetConversation Op = "GetConversation"
	OpGetMessages     Op = "GetConversationMessages"
	OpSend            Op = "SendMessage"
	OpMarkRead        Op = "MarkMessagesAsRead"
	OpFetchReceipts   Op = "FetchReadReceiptsForMessages"
	OpToggleReaction  Op = "ToggleReaction"
	OpSubscribe       Op = "Subscribe"
	OpUpload          Op = "Upload"
	OpPublicURL       Op = "PublicURL"
	OpRemove          Op = "Remove"
	OpUpsertPresence  Op = "UpsertPresence"
	OpQueryPresence   Op = "QueryPresence"
)

// Hook runs before an operation. A non-nil error fails the call; a hook may
// also block to simulate a stalled request.
type Hook func(ctx context.Context) error

type handler struct {
	id     int
	fn     func(event.Event)
	active *atomic.Bool
}

// Fake implements backend.Backend, backend.ObjectStorage and
// backend.PresenceStore. Push handlers run synchronously on the goroutine that
// caused the event, after the fake's lock is released.
type Fake struct {
	// Now stamps messages, receipts and presence written without a time.
	Now func() time.Time

	mu            sync.Mutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
	receipts      map[string]map[string]bool
	presence      map[string]chat.Presence
	objects       map[string][]byte
	hooks         map[Op]Hook
	calls         map[Op]int
	subs          map[string][]handler
	nextSub       int
	reconnects    map[int]func()
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Now:           time.Now,
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
		receipts:      make(map[string]map[string]bool),
		presence:      make(map[string]chat.Presence),
		objects:       make(map[string][]byte),
		hooks:         make(map[Op]Hook),
		calls:         make(map[Op]int),
		subs:          make(map[string][]handler),
		reconnects:    make(map[int]func()),
	}
}

var (
	_ backend.Backend       = (*Fake)(nil)
	_ backend.Reconnector   = (*Fake)(nil)
	_ backend.ObjectStorage = (*Fake)(nil)
	_ backend.PresenceStore = (*Fake)(nil)
)

// SetHook installs h for op; nil removes it.
func (f *Fake) SetHook(op Op, h Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil {
		delete(f.hooks, op)
		return
	}
	f.hooks[op] = h
}

// Fail makes every call of op return err.
func (f *Fake) Fail(op Op, err error) {
	f.SetHook(op, func(context.Context) error { return err })
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(ctx context.Context, op Op) error {
	return f.runHook(ctx, f.count(op))
}

func (f *Fake) count(op Op) Hook {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.hooks[op]
}

func (f *Fake) runHook(ctx context.Context, h Hook) error {
	if h != nil {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// AddConversation creates a conversation between a and b.
func (f *Fake) AddConversation(a, b string) chat.Conversation {
	conv := chat.Conversation{ID: uuid.NewString(), ParticipantA: a, ParticipantB: b, CreatedAt: f.Now().UTC()}
	f.mu.Lock()
	f.conversations[conv.ID] = conv
	f.mu.Unlock()
	return conv
}

// Seed stores msg without emitting any event. Missing id and time are filled.
func (f *Fake) Seed(msg chat.Message) chat.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = f.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = chat.TypeText
	}
	msg.SenderLabel = ""

	f.mu.Lock()
	f.messages[msg.ConversationID] = chat.UpsertMessage(f.messages[msg.ConversationID], msg)
	f.mu.Unlock()
	return msg
}

// SeedReceipt records a receipt without emitting it.
func (f *Fake) SeedReceipt(messageID, readerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts[messageID] == nil {
		f.receipts[messageID] = make(map[string]bool)
	}
	f.receipts[messageID][readerID] = true
}

// Message returns the stored copy of id.
func (f *Fake) Message(id string) (chat.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.messages {
		for _, m := range list {
			if m.ID == id {
				return m, true
			}
		}
	}
	return chat.Message{}, false
}

// ReceiptCount returns how many receipts exist for messages of a conversation.
func (f *Fake) ReceiptCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages[conversationID] {
		n += len(f.receipts[m.ID])
	}
	return n
}

// Presence returns the stored row of userID.
func (f *Fake) Presence(userID string) (chat.Presence, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presence[userID]
	return p, ok
}

// Object returns the uploaded bytes at path.
func (f *Fake) Object(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	return data, ok
}

// Subscribers returns the live handler count of a topic.
func (f *Fake) Subscribers(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

// Emit delivers a payload on topic as if the server had pushed it.
func (f *Fake) Emit(t event.Type, topic string, payload any) {
	ev, err := event.New(t, topic, payload)
	if err != nil {
		panic(fmt.Sprintf("backendtest: %v", err))
	}
	f.deliver(ev)
}

// PushMessage emits message.created for msg without storing it.
func (f *Fake) PushMessage(msg chat.Message) {
	f.Emit(event.MessageCreated, event.MessagesTopic(msg.ConversationID), msg)
}

// PushMessageUpdate emits message.updated for msg without storing it.
func (f *Fake) PushMessageUpdate(msg chat.Message) {
	f.Emit(event.MessageUpdated, event.MessageUpdatesTopic(msg.ConversationID), msg)
}

// PushReceipt emits receipt.created without storing it.
func (f *Fake) PushReceipt(r chat.ReadReceipt) {
	f.Emit(event.ReceiptCreated, event.ReceiptsTopic(r.ConversationID), r)
}

// PushPresence emits presence.updated without storing it.
func (f *Fake) PushPresence(p chat.Presence) {
	f.Emit(event.PresenceUpdated, event.PresenceTopic(p.UserID), p)
}

func (f *Fake) deliver(ev event.Event) {
	f.mu.Lock()
	handlers := append([]handler(nil), f.subs[ev.Topic]...)
	f.mu.Unlock()

	for _, h := range handlers {
		if h.active.Load() {
			h.fn(ev)
		}
	}
}

// OnReconnect registers fn to run on every Reconnect.
func (f *Fake) OnReconnect(fn func()) backend.Subscription {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.reconnects[id] = fn
	f.mu.Unlock()
	return backend.SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.reconnects, id)
		f.mu.Unlock()
	})
}

// Reconnect simulates the push transport coming back after a drop. Events
// emitted while "disconnected" should be stored with Seed, not pushed.
func (f *Fake) Reconnect() {
	f.mu.Lock()
	hooks := make([]func(), 0, len(f.reconnects))
	for _, fn := range f.reconnects {
		hooks = append(hooks, fn)
	}
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// ReconnectHooks returns how many reconnect callbacks are registered.
func (f *Fake) ReconnectHooks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reconnects)
}

func (f *Fake) subscribe(ctx context.Context, topic string, fn func(event.Event)) (backend.Subscription, error) {
	if err := f.enter(ctx, OpSubscribe); err != nil {
		return nil, err
	}

	active := &atomic.Bool{}
	active.Store(true)
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[topic] = append(f.subs[topic], handler{id: id, fn: fn, active: active})
	f.mu.Unlock()

	var once sync.Once
	return backend.SubscriptionFunc(func() {
		once.Do(func() {
			active.Store(false)
			f.mu.Lock()
			defer f.mu.Unlock()
			list := f.subs[topic]
			for i, h := range list {
				if h.id == id {
					f.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(f.subs[topic]) == 0 {
				delete(f.subs, topic)
			}
		})
	}), nil
}

func (f *Fake) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if err := f.enter(ctx, OpGetConversation); err != nil {
		return chat.Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok {
		return chat.Conversation{}, backend.ErrNotFound
	}
	return conv, nil
}

// GetConversationMessages reads the list before running the hook, so a
// blocking hook returns data as of the call, like a delayed response.
func (f *Fake) GetConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	h := f.count(OpGetMessages)

	f.mu.Lock()
	_, ok := f.conversations[conversationID]
	out := make([]chat.Message, len(f.messages[conversationID]))
	for i, m := range f.messages[conversationID] {
		m.Metadata.Reactions = m.Metadata.Reactions.Clone()
		out[i] = m
	}
	f.mu.Unlock()

	if err := f.runHook(ctx, h); err != nil {
		return nil, err
	}
	if !ok {
		return nil, backend.ErrNotFound
	}
	return out, nil
}

func (f *Fake) SendMessage(ctx context.Context, req chat.SendRequest) error {
	if err := f.enter(ctx, OpSend); err != nil {
		return err
	}
	msg := req.Message()
	if err := msg.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	if _, ok := f.conversations[req.ConversationID]; !ok {
		f.mu.Unlock()
		return backend.ErrNotFound
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = f.Now().UTC()
	f.messages[msg.ConversationID] = chat.UpsertMessage(f.messages[msg.ConversationID], msg)
	f.mu.Unlock()

	f.PushMessage(msg)
	return nil
}

func (f *Fake) MarkMessagesAsRead(ctx context.Context, conversationID, readerID string) error {
	if err := f.enter(ctx, OpMarkRead); err != nil {
		return err
	}

	f.mu.Lock()
	var created []chat.ReadReceipt
	for _, m := range f.messages[conversationID] {
		if m.SenderID == readerID || f.receipts[m.ID][readerID] {
			continue
		}
		if f.receipts[m.ID] == nil {
			f.receipts[m.ID] = make(map[string]bool)
		}
		f.receipts[m.ID][readerID] = true
		created = append(created, chat.ReadReceipt{
			MessageID:      m.ID,
			ReaderID:       readerID,
			ConversationID: conversationID,
			ReadAt:         f.Now().UTC(),
		})
	}
	f.mu.Unlock()

	for _, r := range created {
		f.PushReceipt(r)
	}
	return nil
}

func (f *Fake) FetchReadReceiptsForMessages(ctx context.Context, messageIDs []string, readerID string) (map[string]bool, error) {
	if err := f.enter(ctx, OpFetchReceipts); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		out[id] = f.receipts[id][readerID]
	}
	return out, nil
}

func (f *Fake) ToggleReaction(ctx context.Context, messageID, emoji, userID string) error {
	if err := f.enter(ctx, OpToggleReaction); err != nil {
		return err
	}

	f.mu.Lock()
	var updated chat.Message
	found := false
	for conv, list := range f.messages {
		for i, m := range list {
			if m.ID != messageID {
				continue
			}
			m.Metadata.Reactions = m.Metadata.Reactions.Toggle(emoji, userID)
			list[i] = m
			f.messages[conv] = list
			updated, found = m, true
		}
	}
	f.mu.Unlock()

	if !found {
		return backend.ErrNotFound
	}
	updated.Metadata.Reactions = updated.Metadata.Reactions.Clone()
	f.PushMessageUpdate(updated)
	return nil
}

func (f *Fake) SubscribeToMessages(ctx context.Context, conversationID string, fn func(chat.Message)) (backend.Subscription, error) {
	return f.subscribe(ctx, event.MessagesTopic(conversationID), func(ev event.Event) {
		var m chat.Message
		if ev.Decode(&m) == nil {
			fn(m)
		}
	})
}

func (f *Fake) SubscribeToMessageUpdates(ctx context.Context, conversationID string, fn func(chat.Message)) (backend.Subscription, error) {
	return f.subscribe(ctx, event.MessageUpdatesTopic(conversationID), func(ev event.Event) {
		var m chat.Message
		if ev.Decode(&m) == nil {
			fn(m)
		}
	})
}

func (f *Fake) SubscribeToReadReceipts(ctx context.Context, conversationID string, fn func(chat.ReadReceipt)) (backend.Subscription, error) {
	return f.subscribe(ctx, event.ReceiptsTopic(conversationID), func(ev event.Event) {
		var r chat.ReadReceipt
		if ev.Decode(&r) == nil {
			fn(r)
		}
	})
}

func (f *Fake) SubscribeToPresence(ctx context.Context, userID string, fn func(chat.Presence)) (backend.Subscription, error) {
	return f.subscribe(ctx, event.PresenceTopic(userID), func(ev event.Event) {
		var p chat.Presence
		if ev.Decode(&p) == nil {
			fn(p)
		}
	})
}

func (f *Fake) Upload(ctx context.Context, path string, file backend.File) (backend.StoredObject, error) {
	if err := f.enter(ctx, OpUpload); err != nil {
		return backend.StoredObject{}, err
	}
	data, err := io.ReadAll(file.Body)
	if err != nil {
		return backend.StoredObject{}, err
	}
	f.mu.Lock()
	f.objects[path] = data
	f.mu.Unlock()
	return backend.StoredObject{Path: path, PublicURL: "https://files.test/" + path}, nil
}

func (f *Fake) PublicURL(ctx context.Context, path string) (string, error) {
	if err := f.enter(ctx, OpPublicURL); err != nil {
		return "", err
	}
	return "https://files.test/" + path, nil
}

func (f *Fake) Remove(ctx context.Context, path string) error {
	if err := f.enter(ctx, OpRemove); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.objects, path)
	f.mu.Unlock()
	return nil
}

func (f *Fake) UpsertPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	if err := f.enter(ctx, OpUpsertPresence); err != nil {
		return err
	}
	if at.IsZero() {
		at = f.Now()
	}
	p := chat.Presence{UserID: userID, IsOnline: online, LastSeen: at.UTC()}
	f.mu.Lock()
	f.presence[userID] = p
	f.mu.Unlock()

	f.PushPresence(p)
	return nil
}

func (f *Fake) QueryPresence(ctx context.Context, userIDs []string) (map[string]chat.Presence, error) {
	if err := f.enter(ctx, OpQueryPresence); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]chat.Presence, len(userIDs))
	for _, id := range userIDs {
		if p, ok := f.presence[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
