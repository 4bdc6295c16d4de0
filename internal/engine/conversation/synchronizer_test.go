package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tripmate/backend/internal/backend/backendtest"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	"github.com/zhouzirui/tripmate/backend/pkg/clock"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

const (
	viewer  = "mei"
	partner = "tomas"
)

var now = time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	scrolls []bool
	reads   []string
	changes int
}

func (r *recorder) ScrollToNewest(animated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrolls = append(r.scrolls, animated)
}

func (r *recorder) MessagesRead(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, conversationID)
}

func (r *recorder) changed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}

func (r *recorder) snapshot() ([]bool, []string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.scrolls...), append([]string(nil), r.reads...), r.changes
}

type harness struct {
	fake  *backendtest.Fake
	clock *clock.Fake
	conv  chat.Conversation
	rec   *recorder
	opts  Options
	sync  *Synchronizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(now)
	fake := backendtest.New()
	fake.Now = clk.Now
	rec := &recorder{}
	opts := Options{
		ViewerID: viewer,
		Labeler:  func(id string) string { return "@" + id },
		Viewport: rec,
		Signals:  rec,
		OnChange: rec.changed,
		Clock:    clk,
		Location: time.UTC,
		Logger:   logger.Discard(),
	}
	h := &harness{
		fake:  fake,
		clock: clk,
		conv:  fake.AddConversation(viewer, partner),
		rec:   rec,
		opts:  opts,
	}
	h.sync = New(fake, opts)
	t.Cleanup(h.sync.Close)
	return h
}

func (h *harness) seed(sender, content string, at time.Time) chat.Message {
	return h.fake.Seed(chat.Message{ConversationID: h.conv.ID, SenderID: sender, Content: content, CreatedAt: at})
}

func (h *harness) topics() []string {
	return []string{
		event.MessagesTopic(h.conv.ID),
		event.MessageUpdatesTopic(h.conv.ID),
		event.ReceiptsTopic(h.conv.ID),
		event.PresenceTopic(partner),
	}
}

func assertUniqueIDs(t *testing.T, messages []chat.Message) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range messages {
		require.False(t, seen[m.ID], "duplicate message %s", m.ID)
		seen[m.ID] = true
	}
}

func TestOpenLoadsHistoryAndGoesLive(t *testing.T) {
	h := newHarness(t)
	h.seed(partner, "ferry at 8?", now.Add(-20*time.Hour))
	h.seed(viewer, "yes!", now.Add(-19*time.Hour))
	h.seed(partner, "see you at the pier", now.Add(-time.Hour))

	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	assert.Equal(t, StateLive, h.sync.State())
	messages := h.sync.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, "@tomas", messages[0].SenderLabel)
	assert.Empty(t, messages[1].SenderLabel)

	for _, topic := range h.topics() {
		assert.Equal(t, 1, h.fake.Subscribers(topic), topic)
	}

	scrolls, reads, _ := h.rec.snapshot()
	assert.Equal(t, []bool{false}, scrolls, "initial load jumps without animation")
	assert.Equal(t, []string{h.conv.ID}, reads)
	assert.Equal(t, 2, h.fake.ReceiptCount(h.conv.ID), "inbound messages marked read on open")

	groups := h.sync.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, LabelYesterday, groups[0].Label)
	assert.Equal(t, LabelToday, groups[1].Label)
	assert.Len(t, groups[0].Messages, 2)
	assert.Len(t, groups[1].Messages, 1)
}

func TestOpenFailureStaysLoading(t *testing.T) {
	h := newHarness(t)
	h.seed(partner, "hi", now)
	boom := errors.New("network unreachable")
	h.fake.Fail(backendtest.OpGetMessages, boom)

	err := h.sync.Open(context.Background(), h.conv.ID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateLoading, h.sync.State())
	assert.Empty(t, h.sync.Messages())
	assert.Equal(t, 1, h.fake.Calls(backendtest.OpGetMessages), "no automatic retry")
	for _, topic := range h.topics() {
		assert.Zero(t, h.fake.Subscribers(topic))
	}

	h.fake.SetHook(backendtest.OpGetMessages, nil)
	require.NoError(t, h.sync.Reload(context.Background()))
	assert.Equal(t, StateLive, h.sync.State())
	assert.Len(t, h.sync.Messages(), 1)
}

func TestOpenRespectsCallerDeadline(t *testing.T) {
	h := newHarness(t)
	h.fake.SetHook(backendtest.OpGetConversation, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.sync.Open(ctx, h.conv.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateLoading, h.sync.State())
}

func TestOpenRejectsOutsider(t *testing.T) {
	h := newHarness(t)
	other := h.fake.AddConversation("aiko", partner)

	err := h.sync.Open(context.Background(), other.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSendAppearsOnlyThroughPush(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	require.NoError(t, h.sync.Send(context.Background(), "booked the hostel"))

	messages := h.sync.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "booked the hostel", messages[0].Content)
	assert.Equal(t, viewer, messages[0].SenderID)
	assert.Empty(t, messages[0].SenderLabel)

	require.Eventually(t, func() bool {
		scrolls, _, _ := h.rec.snapshot()
		return len(scrolls) == 3
	}, time.Second, 5*time.Millisecond)
	scrolls, _, _ := h.rec.snapshot()
	assert.Equal(t, []bool{false, true, true}, scrolls, "optimistic append and re-fetch both scroll animated")
}

func TestSendWhileOfflineKeepsTimeline(t *testing.T) {
	h := newHarness(t)
	h.seed(partner, "are you up?", now)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	before := h.sync.Messages()

	boom := errors.New("offline")
	h.fake.Fail(backendtest.OpSend, boom)

	err := h.sync.Send(context.Background(), "yes")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, h.sync.Messages())
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.sync.Send(context.Background(), "hi"), ErrNotOpen)

	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	assert.ErrorIs(t, h.sync.Send(context.Background(), "  \n"), chat.ErrBlankMessage)
	assert.Zero(t, h.fake.Calls(backendtest.OpSend))
}

func TestSendAttachmentTagsType(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	ctx := context.Background()

	photo := chat.UploadResult{Path: "mei/1-a.png", PublicURL: "https://files.test/mei/1-a.png", FileName: "beach.png", Size: 10, MimeType: "image/png"}
	require.NoError(t, h.sync.SendAttachment(ctx, photo, ""))

	h.clock.Advance(time.Second)
	doc := chat.UploadResult{Path: "mei/2-b.pdf", PublicURL: "https://files.test/mei/2-b.pdf", FileName: "itinerary.pdf", Size: 20, MimeType: "application/pdf"}
	require.NoError(t, h.sync.SendAttachment(ctx, doc, "day two plan"))

	messages := h.sync.Messages()
	require.Len(t, messages, 2)

	assert.Equal(t, chat.TypeImage, messages[0].Type)
	assert.Equal(t, "beach.png", messages[0].Content)
	body, ok := messages[0].Body().(chat.FileBody)
	require.True(t, ok)
	assert.Equal(t, photo.PublicURL, body.File.URL)

	assert.Equal(t, chat.TypeText, messages[1].Type)
	assert.Equal(t, "day two plan", messages[1].Content)
	assert.Equal(t, "mei/2-b.pdf", messages[1].Metadata.File.Path)
}

func TestPushedDuplicatesCollapseByID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	stored := h.seed(partner, "checking in", now)
	h.fake.PushMessage(stored)
	h.fake.PushMessage(stored)
	// 推送先于持久化可见：乐观条目随后被权威结果替换
	ghost := chat.Message{ID: "ghost", ConversationID: h.conv.ID, SenderID: partner, Content: "not yet visible", Type: chat.TypeText, CreatedAt: now}
	h.fake.PushMessage(ghost)
	assertUniqueIDs(t, h.sync.Messages())

	require.Eventually(t, func() bool {
		messages := h.sync.Messages()
		return len(messages) == 1 && messages[0].ID == stored.ID
	}, time.Second, 5*time.Millisecond, "authoritative re-fetch replaces optimistic entries")

	h.fake.Seed(ghost)
	h.fake.PushMessage(ghost)
	require.Eventually(t, func() bool { return len(h.sync.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	assertUniqueIDs(t, h.sync.Messages())
}

func TestOptimisticAppendVisibleBeforeRefetch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	during := make(chan []chat.Message, 1)
	h.fake.SetHook(backendtest.OpGetMessages, func(context.Context) error {
		select {
		case during <- h.sync.Messages():
		default:
		}
		return nil
	})

	msg := h.seed(partner, "look at this view", now)
	h.fake.PushMessage(msg)

	select {
	case got := <-during:
		require.Len(t, got, 1)
		assert.Equal(t, "@tomas", got[0].SenderLabel)
	case <-time.After(time.Second):
		t.Fatal("re-fetch not issued")
	}
	assert.Len(t, h.sync.Messages(), 1)
}

func TestRefetchFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	h.fake.Fail(backendtest.OpGetMessages, errors.New("502"))

	msg := h.seed(partner, "still there?", now)
	h.fake.PushMessage(msg)
	require.Eventually(t, func() bool { return h.fake.Calls(backendtest.OpGetMessages) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateLive, h.sync.State())
	messages := h.sync.Messages()
	require.Len(t, messages, 1, "optimistic entry stays until the next successful re-fetch")
	assert.Equal(t, msg.ID, messages[0].ID)
}

func TestOlderRefetchCannotOverwriteNewer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	blocked := make(chan struct{})
	release := make(chan struct{})
	second := make(chan []chat.Message, 1)
	calls := 0
	// 仅由同步器的工作协程调用，按顺序执行
	h.fake.SetHook(backendtest.OpGetMessages, func(context.Context) error {
		calls++
		switch calls {
		case 1:
			close(blocked)
			<-release
		case 2:
			second <- h.sync.Messages()
		}
		return nil
	})

	a := h.seed(partner, "A", now)
	h.fake.PushMessage(a)
	<-blocked

	h.clock.Advance(time.Second)
	b := h.seed(partner, "B", now.Add(time.Second))
	h.fake.PushMessage(b)
	require.Len(t, h.sync.Messages(), 2)

	close(release)

	select {
	case got := <-second:
		assert.Equal(t, []string{a.ID, b.ID}, ids(got), "stale re-fetch without B must be dropped")
	case <-time.After(time.Second):
		t.Fatal("follow-up re-fetch not issued")
	}
	require.Eventually(t, func() bool {
		scrolls, _, _ := h.rec.snapshot()
		return len(scrolls) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{a.ID, b.ID}, ids(h.sync.Messages()))
}

func TestReactionUpdateSurvivesInFlightRefetch(t *testing.T) {
	h := newHarness(t)
	msg := h.seed(viewer, "dinner at 7?", now)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	blocked := make(chan struct{})
	release := make(chan struct{})
	h.fake.SetHook(backendtest.OpGetMessages, func(context.Context) error {
		close(blocked)
		<-release
		return nil
	})

	other := h.seed(partner, "sure", now.Add(time.Second))
	h.fake.PushMessage(other)
	<-blocked

	require.NoError(t, h.fake.ToggleReaction(context.Background(), msg.ID, "👍", partner))
	groups := h.sync.Reactions(msg.ID)
	require.Len(t, groups, 1)

	close(release)
	// open 与乐观追加各滚动一次，重新拉取落地后第三次
	require.Eventually(t, func() bool {
		scrolls, _, _ := h.rec.snapshot()
		return len(scrolls) == 3
	}, time.Second, 5*time.Millisecond)

	groups = h.sync.Reactions(msg.ID)
	require.Len(t, groups, 1, "older re-fetch must not revert the pushed reaction")
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, []string{partner}, groups[0].Users)
	assert.False(t, groups[0].Active)
}

func TestToggleReactionRoundTrip(t *testing.T) {
	h := newHarness(t)
	msg := h.seed(partner, "rooftop bar?", now)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	ctx := context.Background()

	require.NoError(t, h.sync.ToggleReaction(ctx, msg.ID, "🍹"))
	groups := h.sync.Reactions(msg.ID)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Active)
	assert.Equal(t, 1, groups[0].Count)

	require.NoError(t, h.sync.ToggleReaction(ctx, msg.ID, "🍹"))
	assert.Empty(t, h.sync.Reactions(msg.ID))
}

func TestUpdateForUnknownMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	h.fake.PushMessageUpdate(chat.Message{ID: "nope", ConversationID: h.conv.ID, Metadata: chat.Metadata{Reactions: chat.Reactions{"👍": {partner}}}})
	assert.Empty(t, h.sync.Messages())
}

func TestReadReceiptsFromPartnerOnly(t *testing.T) {
	h := newHarness(t)
	mine := h.seed(viewer, "landing at 6", now)
	theirs := h.seed(partner, "I'll pick you up", now.Add(time.Second))
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	assert.False(t, h.sync.ReadByOther(mine.ID))
	assert.False(t, h.sync.ReadByOther(theirs.ID), "viewer's own read on open does not count")

	require.NoError(t, h.fake.MarkMessagesAsRead(context.Background(), h.conv.ID, partner))
	assert.True(t, h.sync.ReadByOther(mine.ID))

	// 自己的回执不影响对方已读状态
	h.fake.PushReceipt(chat.ReadReceipt{MessageID: mine.ID, ReaderID: viewer, ConversationID: h.conv.ID})
	assert.True(t, h.sync.ReadByOther(mine.ID))
}

func TestExistingReceiptsLoadedOnOpen(t *testing.T) {
	h := newHarness(t)
	mine := h.seed(viewer, "sent yesterday", now.Add(-24*time.Hour))
	h.fake.SeedReceipt(mine.ID, partner)

	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	assert.True(t, h.sync.ReadByOther(mine.ID))
}

func TestInboundMessageWhileOpenIsMarkedRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	require.NoError(t, h.fake.SendMessage(context.Background(), chat.SendRequest{
		ConversationID: h.conv.ID, SenderID: partner, Content: "boarding now",
	}))

	require.Eventually(t, func() bool { return h.fake.ReceiptCount(h.conv.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, reads, _ := h.rec.snapshot()
		return len(reads) == 2
	}, time.Second, 5*time.Millisecond)
	_, reads, _ := h.rec.snapshot()
	assert.Equal(t, []string{h.conv.ID, h.conv.ID}, reads)
}

func TestPartnerPresence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	ctx := context.Background()

	require.NoError(t, h.fake.UpsertPresence(ctx, partner, true, now))
	assert.True(t, h.sync.PartnerOnline())

	require.NoError(t, h.fake.UpsertPresence(ctx, partner, false, now))
	assert.False(t, h.sync.PartnerOnline())

	h.fake.PushPresence(chat.Presence{UserID: partner, IsOnline: true, LastSeen: now.Add(-time.Minute)})
	assert.False(t, h.sync.PartnerOnline(), "a late, older heartbeat does not override a newer row")

	h.clock.Advance(time.Second)
	h.fake.PushPresence(chat.Presence{UserID: partner, IsOnline: true, LastSeen: now.Add(-6 * time.Minute)})
	assert.False(t, h.sync.PartnerOnline(), "stale heartbeat reads offline")

	h.fake.PushPresence(chat.Presence{UserID: "aiko", IsOnline: true, LastSeen: h.clock.Now()})
	assert.False(t, h.sync.PartnerOnline())
}

func TestPartnerOnlineExpiresWithoutFurtherPushes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	require.NoError(t, h.fake.UpsertPresence(context.Background(), partner, true, now))
	assert.True(t, h.sync.PartnerOnline())

	// 对方标签页崩溃：不再有心跳，也没有 offline 推送
	h.clock.Advance(4 * time.Minute)
	assert.True(t, h.sync.PartnerOnline())
	h.clock.Advance(2 * time.Minute)
	assert.False(t, h.sync.PartnerOnline())

	require.NoError(t, h.fake.UpsertPresence(context.Background(), partner, true, h.clock.Now()))
	assert.True(t, h.sync.PartnerOnline())
}

type stubPresence map[string]chat.Presence

func (s stubPresence) Lookup(_ context.Context, id string) (chat.Presence, bool) {
	p, ok := s[id]
	return p, ok
}

func TestInitialPresenceFromReader(t *testing.T) {
	h := newHarness(t)
	h.opts.Presence = stubPresence{partner: {IsOnline: true, LastSeen: now.Add(-time.Minute)}}
	s := New(h.fake, h.opts)
	defer s.Close()

	require.NoError(t, s.Open(context.Background(), h.conv.ID))
	assert.True(t, s.PartnerOnline())

	h.clock.Advance(5 * time.Minute)
	assert.False(t, s.PartnerOnline(), "the row read at open ages like a pushed one")
}

func TestCloseReleasesSubscriptionsAndFreezesState(t *testing.T) {
	h := newHarness(t)
	h.seed(partner, "hello", now)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	h.sync.Close()

	assert.Equal(t, StateIdle, h.sync.State())
	assert.Empty(t, h.sync.Messages())
	for _, topic := range h.topics() {
		assert.Zero(t, h.fake.Subscribers(topic), topic)
	}
	assert.Zero(t, h.fake.ReconnectHooks())

	_, _, changes := h.rec.snapshot()
	h.fake.PushMessage(h.seed(partner, "after close", now))
	_, _, after := h.rec.snapshot()
	assert.Equal(t, changes, after)
	assert.Empty(t, h.sync.Messages())

	assert.ErrorIs(t, h.sync.ToggleReaction(context.Background(), "x", "👍"), ErrNotOpen)
	h.sync.Close()
}

func TestHandlerFromTornDownInstanceCannotMutate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	blocked := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan struct{})
	h.fake.SetHook(backendtest.OpGetMessages, func(context.Context) error {
		close(blocked)
		<-release
		close(returned)
		return nil
	})

	msg := h.seed(partner, "in flight", now)
	h.fake.PushMessage(msg)
	<-blocked

	h.sync.Close()
	close(release)
	<-returned

	assert.Never(t, func() bool { return len(h.sync.Messages()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateIdle, h.sync.State())
}

func TestSwitcherTearsDownPreviousConversation(t *testing.T) {
	h := newHarness(t)
	h.seed(partner, "old thread", now)
	second := h.fake.AddConversation("aiko", viewer)
	h.fake.Seed(chat.Message{ConversationID: second.ID, SenderID: "aiko", Content: "new thread", CreatedAt: now})

	sw := NewSwitcher(h.fake, h.opts)
	defer sw.Close()
	ctx := context.Background()

	first, err := sw.Switch(ctx, h.conv.ID)
	require.NoError(t, err)
	require.Len(t, first.Messages(), 1)

	next, err := sw.Switch(ctx, second.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, next)
	assert.Same(t, next, sw.Current())

	assert.Equal(t, StateIdle, first.State())
	for _, topic := range h.topics() {
		assert.Zero(t, h.fake.Subscribers(topic), topic)
	}
	assert.Equal(t, 1, h.fake.Subscribers(event.MessagesTopic(second.ID)))
	assert.Equal(t, 1, h.fake.Subscribers(event.PresenceTopic("aiko")))

	messages := next.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "new thread", messages[0].Content)
	assert.Equal(t, "@aiko", messages[0].SenderLabel)

	h.fake.PushMessage(h.seed(partner, "late push to old thread", now))
	assert.Len(t, next.Messages(), 1)

	sw.Close()
	assert.Nil(t, sw.Current())
	assert.Zero(t, h.fake.Subscribers(event.MessagesTopic(second.ID)))
}

func TestMessageCreatedDuringOpenIsNotLost(t *testing.T) {
	h := newHarness(t)
	h.seed(partner, "before open", now.Add(-time.Hour))

	subscribes := 0
	var early, late chat.Message
	h.fake.SetHook(backendtest.OpSubscribe, func(ctx context.Context) error {
		subscribes++
		var content string
		switch subscribes {
		case 1:
			content = "before the message channel exists"
		case 3:
			content = "after subscribe, before history"
		default:
			return nil
		}
		h.clock.Advance(time.Second)
		if err := h.fake.SendMessage(ctx, chat.SendRequest{ConversationID: h.conv.ID, SenderID: partner, Content: content}); err != nil {
			return err
		}
		list, _ := h.fake.GetConversationMessages(ctx, h.conv.ID)
		if subscribes == 1 {
			early = list[len(list)-1]
		} else {
			late = list[len(list)-1]
		}
		return nil
	})

	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	h.fake.SetHook(backendtest.OpSubscribe, nil)

	messages := h.sync.Messages()
	assertUniqueIDs(t, messages)
	require.Len(t, messages, 3)
	assert.Contains(t, ids(messages), early.ID)
	assert.Contains(t, ids(messages), late.ID)
}

func TestPushesDuringOpenReplayInOrder(t *testing.T) {
	h := newHarness(t)
	msg := h.seed(viewer, "museum pass?", now)

	h.fake.SetHook(backendtest.OpGetMessages, func(ctx context.Context) error {
		h.fake.PushMessageUpdate(chat.Message{ID: msg.ID, ConversationID: h.conv.ID, Metadata: chat.Metadata{Reactions: chat.Reactions{"👍": {partner}}}})
		h.fake.PushMessageUpdate(chat.Message{ID: msg.ID, ConversationID: h.conv.ID, Metadata: chat.Metadata{Reactions: chat.Reactions{"🎉": {partner}}}})
		h.fake.PushReceipt(chat.ReadReceipt{MessageID: msg.ID, ReaderID: partner, ConversationID: h.conv.ID})
		return nil
	})
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	h.fake.SetHook(backendtest.OpGetMessages, nil)

	groups := h.sync.Reactions(msg.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, "🎉", groups[0].Emoji)
	assert.True(t, h.sync.ReadByOther(msg.ID))
}

func TestSlowRefetchDoesNotBlockDelivery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fake.SetHook(backendtest.OpGetMessages, func(context.Context) error {
		once.Do(func() { close(blocked) })
		<-release
		return nil
	})
	defer close(release)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		h.fake.PushMessage(h.seed(partner, "ping", now))
		h.fake.PushPresence(chat.Presence{UserID: partner, IsOnline: true, LastSeen: now})
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("push delivery waited for the re-fetch")
	}
	<-blocked
	assert.True(t, h.sync.PartnerOnline())
	assert.Len(t, h.sync.Messages(), 1)
}

func TestReconnectRefetchesMissedMessages(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sync.Open(context.Background(), h.conv.ID))
	require.Equal(t, 1, h.fake.ReconnectHooks())

	// 断线期间写入，推送丢失
	missed := h.seed(partner, "sent while you were offline", now)
	mine := h.seed(viewer, "queued reply", now.Add(time.Second))
	h.fake.SeedReceipt(mine.ID, partner)
	assert.Empty(t, h.sync.Messages())

	h.fake.Reconnect()

	require.Eventually(t, func() bool { return len(h.sync.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, missed.ID, h.sync.Messages()[0].ID)
	require.Eventually(t, func() bool { return h.fake.ReceiptCount(h.conv.ID) == 2 }, time.Second, 5*time.Millisecond, "missed inbound message marked read")
	require.Eventually(t, func() bool { return h.sync.ReadByOther(mine.ID) }, time.Second, 5*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "live", StateLive.String())
}
