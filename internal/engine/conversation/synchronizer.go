// Package conversation keeps the live message timeline of one open
// conversation consistent with the backend.
//
// A Synchronizer merges three sources: pushed new messages (appended at once,
// then replaced by an authoritative re-fetch), pushed metadata updates
// (reactions, applied by id) and pushed read receipts and presence. Every
// handler is bound to the generation that subscribed it; after Close, or a
// new Open, handlers of the old generation cannot touch state.
//
// Push handlers only mutate local state. Re-fetches and mark-as-read run on a
// worker goroutine per open conversation, so a slow request never stalls the
// transport's delivery of other topics.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/engine/reaction"
	"github.com/zhouzirui/tripmate/backend/internal/engine/receipt"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/clock"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var (
	ErrNotOpen        = errors.New("conversation: not open")
	ErrNotParticipant = errors.New("conversation: viewer is not a participant")
	ErrClosed         = errors.New("conversation: closed while opening")
)

// State 会话生命周期。
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return "idle"
	}
}

// Viewport keeps the newest message visible.
type Viewport interface {
	ScrollToNewest(animated bool)
}

// Signals receives cross-view notifications, e.g. to refresh unread badges.
type Signals interface {
	MessagesRead(conversationID string)
}

// PresenceReader answers the partner's stored presence row at open time.
// Freshness is judged later, on every PartnerOnline call.
type PresenceReader interface {
	Lookup(ctx context.Context, userID string) (chat.Presence, bool)
}

// Options configures a Synchronizer. Only ViewerID is required.
type Options struct {
	ViewerID string
	// Labeler names the sender of messages not written by the viewer.
	Labeler  func(userID string) string
	Viewport Viewport
	Signals  Signals
	Presence PresenceReader
	// OnChange runs after any state change, outside the lock.
	OnChange func()
	Clock    clock.Clock
	Location *time.Location
	Logger   *slog.Logger
}

type pendingMeta struct {
	meta chat.Metadata
	seq  uint64
}

// Synchronizer owns one conversation view at a time.
type Synchronizer struct {
	backend   backend.Backend
	opts      Options
	reactions *reaction.Store
	log       *slog.Logger

	mu             sync.Mutex
	gen            uint64
	state          State
	conversationID string
	conv           chat.Conversation
	messages       []chat.Message
	receipts       *receipt.Tracker
	presence       chat.Presence
	subs           []backend.Subscription
	bg             context.Context
	cancel         context.CancelFunc
	wake           chan struct{}
	issuedSeq      uint64
	appliedSeq     uint64
	pushSeq        uint64
	markRead       bool
	reloadReceipts bool
	pending        map[string]pendingMeta
	// 打开期间到达的推送，历史装载完成后按序重放
	buffered  []func()
	replaying bool
}

// New creates an idle synchronizer.
func New(b backend.Backend, opts Options) *Synchronizer {
	if opts.Labeler == nil {
		opts.Labeler = func(userID string) string { return userID }
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = logger.With("conversation")
	}
	return &Synchronizer{
		backend:   b,
		opts:      opts,
		reactions: reaction.NewStore(b, opts.Logger),
		log:       opts.Logger,
	}
}

// Open tears down any current conversation and loads conversationID. The four
// push channels are subscribed before the history is fetched; pushes that
// arrive meanwhile are held and replayed on top of the fetched list, so a
// message created during Open is neither lost nor duplicated. Existing
// receipts are loaded and inbound messages marked read before going Live.
//
// When a step fails the error is logged and returned and the view stays
// Loading; nothing is retried. Call Reload or Open again to retry, and use ctx
// to bound the wait.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) error {
	s.Close()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateLoading
	s.conversationID = conversationID
	s.mu.Unlock()
	s.notify()

	log := s.log.With("conversation_id", conversationID)

	conv, err := s.backend.GetConversation(ctx, conversationID)
	if err != nil {
		log.Error("conversation_load_failed", "error", err)
		return fmt.Errorf("load conversation: %w", err)
	}
	partner := conv.Partner(s.opts.ViewerID)
	if partner == "" {
		log.Error("conversation_load_failed", "error", ErrNotParticipant)
		return ErrNotParticipant
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tracker := receipt.NewTracker(s.backend, s.opts.ViewerID, partner, log)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s.conv = conv
	s.receipts = tracker
	s.pending = make(map[string]pendingMeta)
	s.buffered = nil
	s.bg, s.cancel = bg, cancel
	s.wake = make(chan struct{}, 1)
	s.mu.Unlock()

	subs, err := s.subscribe(ctx, gen, conv, partner)
	if err != nil {
		log.Error("subscribe_failed", "error", err)
		s.abandon(gen)
		return fmt.Errorf("subscribe: %w", err)
	}

	messages, err := s.backend.GetConversationMessages(ctx, conversationID)
	if err != nil {
		log.Error("messages_load_failed", "error", err)
		release(subs)
		s.abandon(gen)
		return fmt.Errorf("load messages: %w", err)
	}

	// 回执与已读标记失败只降级，不阻塞打开
	_ = tracker.Load(ctx, messages)
	if err := tracker.MarkAllAsRead(ctx, conversationID); err == nil && s.opts.Signals != nil {
		s.opts.Signals.MessagesRead(conversationID)
	}

	var row chat.Presence
	found := false
	if s.opts.Presence != nil {
		row, found = s.opts.Presence.Lookup(ctx, partner)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		release(subs)
		return ErrClosed
	}
	s.messages = s.labelled(chat.DedupeMessages(messages))
	tracker.Track(s.messages)
	if found {
		row.UserID = partner
		s.presence = row
	}
	s.subs = subs
	s.state = StateLive
	s.replaying = true
	wake := s.wake
	count := len(s.messages)
	s.mu.Unlock()

	go s.work(bg, gen, wake)

	log.Info("conversation_live", "messages", count, "partner_id", partner)
	s.scroll(false)
	s.notify()
	s.replay(gen)
	return nil
}

// abandon drops the worker context of a failed Open; the state stays Loading.
func (s *Synchronizer) abandon(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.bg, s.cancel, s.wake = nil, nil, nil
	s.buffered = nil
}

// replay drains pushes held during Open. New pushes keep queueing behind them
// until the queue is empty, which preserves arrival order.
func (s *Synchronizer) replay(gen uint64) {
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		batch := s.buffered
		s.buffered = nil
		if len(batch) == 0 {
			s.replaying = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// deliver runs fn now, or queues it while the view is still loading or
// replaying. Pushes of another generation are dropped.
func (s *Synchronizer) deliver(gen uint64, fn func()) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.state == StateLoading || s.replaying {
		s.buffered = append(s.buffered, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

func (s *Synchronizer) subscribe(ctx context.Context, gen uint64, conv chat.Conversation, partner string) ([]backend.Subscription, error) {
	var subs []backend.Subscription

	sub, err := s.backend.SubscribeToMessages(ctx, conv.ID, func(m chat.Message) {
		s.deliver(gen, func() { s.onNewMessage(gen, m) })
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = s.backend.SubscribeToMessageUpdates(ctx, conv.ID, func(m chat.Message) {
		s.deliver(gen, func() { s.onMessageUpdate(gen, m) })
	})
	if err != nil {
		release(subs)
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = s.backend.SubscribeToReadReceipts(ctx, conv.ID, func(r chat.ReadReceipt) {
		s.deliver(gen, func() { s.onReceipt(gen, r) })
	})
	if err != nil {
		release(subs)
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = s.backend.SubscribeToPresence(ctx, partner, func(p chat.Presence) {
		s.deliver(gen, func() { s.onPresence(gen, p) })
	})
	if err != nil {
		release(subs)
		return nil, err
	}
	subs = append(subs, sub)

	// 断线期间的推送会丢失，重连后整体重新拉取
	if r, ok := s.backend.(backend.Reconnector); ok {
		subs = append(subs, r.OnReconnect(func() { s.resync(gen) }))
	}
	return subs, nil
}

func release(subs []backend.Subscription) {
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Reload re-opens the current conversation, e.g. after a failed Open.
func (s *Synchronizer) Reload(ctx context.Context) error {
	s.mu.Lock()
	id := s.conversationID
	s.mu.Unlock()
	if id == "" {
		return ErrNotOpen
	}
	return s.Open(ctx, id)
}

// Close releases all subscriptions before returning and resets to Idle. It
// does not wait for an in-flight re-fetch; its result is discarded.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.state == StateIdle && s.subs == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	subs, cancel := s.subs, s.cancel
	s.subs, s.cancel, s.bg, s.wake = nil, nil, nil, nil
	s.state = StateIdle
	s.conv = chat.Conversation{}
	s.messages = nil
	s.receipts = nil
	s.presence = chat.Presence{}
	s.pending = nil
	s.buffered = nil
	s.replaying = false
	s.markRead, s.reloadReceipts = false, false
	s.issuedSeq, s.appliedSeq, s.pushSeq = 0, 0, 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	release(subs)
	s.notify()
}

// kick asks the worker for a re-fetch. Requests coalesce. Callers hold s.mu.
func (s *Synchronizer) kick() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// work serves re-fetch and mark-as-read requests of one generation until
// Close or the next Open cancels bg.
func (s *Synchronizer) work(bg context.Context, gen uint64, wake <-chan struct{}) {
	for {
		select {
		case <-bg.Done():
			return
		case <-wake:
		}
		s.refetch(gen)
		s.afterRefetch(gen)
	}
}

// resync recovers from a transport reconnect: pushes may have been missed, so
// the timeline, receipts and read marks are all refreshed.
func (s *Synchronizer) resync(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateLive {
		return
	}
	s.log.Info("conversation_resync", "conversation_id", s.conv.ID)
	s.pushSeq++
	s.markRead = true
	s.reloadReceipts = true
	s.kick()
}

func (s *Synchronizer) onNewMessage(gen uint64, m chat.Message) {
	s.mu.Lock()
	if s.gen != gen || m.ConversationID != s.conv.ID {
		s.mu.Unlock()
		return
	}
	s.messages = chat.UpsertMessage(s.messages, s.label(m))
	s.receipts.Track([]chat.Message{m})
	s.pushSeq++
	// 会话打开期间收到对方消息即视为已读
	if m.SenderID != s.opts.ViewerID {
		s.markRead = true
	}
	s.kick()
	s.mu.Unlock()

	s.scroll(true)
	s.notify()
}

// refetch replaces the timeline with the backend's list. A response is
// dropped when it is older than one already applied, or when a push arrived
// after it was issued: that push queued another re-fetch, and the stale list
// could otherwise hide the pushed entry in between. Failures are logged; the
// next push, reconnect or Reload converges.
func (s *Synchronizer) refetch(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.bg == nil {
		s.mu.Unlock()
		return
	}
	s.issuedSeq++
	seq := s.issuedSeq
	seenPush := s.pushSeq
	convID := s.conv.ID
	bg := s.bg
	s.mu.Unlock()

	list, err := s.backend.GetConversationMessages(bg, convID)
	if err != nil {
		if bg.Err() == nil {
			s.log.Warn("messages_refetch_failed", "conversation_id", convID, "error", err)
		}
		return
	}

	s.mu.Lock()
	if s.gen != gen || seq < s.appliedSeq || s.pushSeq != seenPush {
		s.mu.Unlock()
		return
	}
	s.appliedSeq = seq
	list = s.labelled(chat.DedupeMessages(list))
	for i, m := range list {
		if p, ok := s.pending[m.ID]; ok && seq <= p.seq {
			list[i].Metadata = p.meta
		}
	}
	for id, p := range s.pending {
		if p.seq < seq {
			delete(s.pending, id)
		}
	}
	s.messages = list
	s.receipts.Track(list)
	s.mu.Unlock()

	s.scroll(true)
	s.notify()
}

// afterRefetch performs the read bookkeeping requested since the last pass.
func (s *Synchronizer) afterRefetch(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.bg == nil {
		s.mu.Unlock()
		return
	}
	markRead, reload := s.markRead, s.reloadReceipts
	s.markRead, s.reloadReceipts = false, false
	tracker, convID, bg := s.receipts, s.conv.ID, s.bg
	messages := append([]chat.Message(nil), s.messages...)
	s.mu.Unlock()

	if reload {
		if err := tracker.Load(bg, messages); err == nil && s.current(gen) {
			s.notify()
		}
	}
	if markRead {
		if err := tracker.MarkAllAsRead(bg, convID); err == nil && s.opts.Signals != nil && s.current(gen) {
			s.opts.Signals.MessagesRead(convID)
		}
	}
}

// onMessageUpdate overwrites metadata by id. The update is remembered until a
// re-fetch issued after it lands, so an in-flight older re-fetch cannot revert it.
func (s *Synchronizer) onMessageUpdate(gen uint64, m chat.Message) {
	s.mu.Lock()
	if s.gen != gen || m.ConversationID != s.conv.ID {
		s.mu.Unlock()
		return
	}
	meta := chat.Metadata{File: m.Metadata.File, Reactions: m.Metadata.Reactions.Clone()}
	s.pending[m.ID] = pendingMeta{meta: meta, seq: s.issuedSeq}

	changed := false
	next := make([]chat.Message, len(s.messages))
	copy(next, s.messages)
	for i := range next {
		if next[i].ID == m.ID {
			next[i].Metadata = meta
			changed = true
		}
	}
	if changed {
		s.messages = next
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Synchronizer) onReceipt(gen uint64, r chat.ReadReceipt) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	changed := s.receipts.Apply(r)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// onPresence keeps the newest row; an older heartbeat delivered late is ignored.
func (s *Synchronizer) onPresence(gen uint64, p chat.Presence) {
	s.mu.Lock()
	if s.gen != gen || p.UserID != s.conv.Partner(s.opts.ViewerID) {
		s.mu.Unlock()
		return
	}
	if s.presence.UserID == p.UserID && p.LastSeen.Before(s.presence.LastSeen) {
		s.mu.Unlock()
		return
	}
	now := s.opts.Clock.Now()
	changed := p.EffectivelyOnline(now) != s.presence.EffectivelyOnline(now)
	s.presence = p
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Send delivers a text message. It never appends locally: the entry appears
// when the push for it arrives. Failures are logged and returned; the caller
// keeps its draft.
func (s *Synchronizer) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return chat.ErrBlankMessage
	}
	return s.send(ctx, chat.SendRequest{Content: content, Type: chat.TypeText})
}

// SendAttachment sends an uploaded file. The content is the caption, or the
// file name when the caption is blank; the type is image only for image mimes.
func (s *Synchronizer) SendAttachment(ctx context.Context, up chat.UploadResult, caption string) error {
	content := strings.TrimSpace(caption)
	if content == "" {
		content = up.FileName
	}
	file := up.Attachment()
	return s.send(ctx, chat.SendRequest{
		Content:  content,
		Type:     chat.TypeForMime(up.MimeType),
		Metadata: &chat.Metadata{File: &file},
	})
}

func (s *Synchronizer) send(ctx context.Context, req chat.SendRequest) error {
	s.mu.Lock()
	convID := s.conversationID
	state := s.state
	s.mu.Unlock()
	if state == StateIdle || convID == "" {
		return ErrNotOpen
	}

	req.ConversationID = convID
	req.SenderID = s.opts.ViewerID
	if err := req.Message().Validate(); err != nil {
		return err
	}

	if err := s.backend.SendMessage(ctx, req); err != nil {
		s.log.Error("message_send_failed", "conversation_id", convID, "type", req.Type, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ToggleReaction flips the viewer's emoji on a message. The new counts arrive
// through the message-update channel.
func (s *Synchronizer) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if s.State() == StateIdle {
		return ErrNotOpen
	}
	return s.reactions.Toggle(ctx, messageID, emoji, s.opts.ViewerID)
}

// State returns the lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns the open conversation, zero when not loaded.
func (s *Synchronizer) Conversation() chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Messages returns the ordered timeline. The slice is a copy.
func (s *Synchronizer) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// Groups buckets the timeline by day relative to the current time.
func (s *Synchronizer) Groups() []DateGroup {
	return GroupByDate(s.Messages(), s.opts.Clock.Now(), s.opts.Location)
}

// ReadByOther reports whether the partner has read messageID.
func (s *Synchronizer) ReadByOther(messageID string) bool {
	s.mu.Lock()
	tracker := s.receipts
	s.mu.Unlock()
	if tracker == nil {
		return false
	}
	return tracker.ReadByOther(messageID)
}

// PartnerOnline applies the freshness rule to the partner's latest row at
// the current time, so a partner that stops heartbeating without going
// offline drops to offline once the window passes.
func (s *Synchronizer) PartnerOnline() bool {
	s.mu.Lock()
	p := s.presence
	s.mu.Unlock()
	return p.EffectivelyOnline(s.opts.Clock.Now())
}

// Reactions returns the renderable reaction groups of messageID for the viewer.
func (s *Synchronizer) Reactions(messageID string) []chat.ReactionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID {
			return reaction.Groups(m.Metadata.Reactions, s.opts.ViewerID)
		}
	}
	return nil
}

func (s *Synchronizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Synchronizer) label(m chat.Message) chat.Message {
	if m.SenderID != s.opts.ViewerID {
		m.SenderLabel = s.opts.Labeler(m.SenderID)
	} else {
		m.SenderLabel = ""
	}
	return m
}

func (s *Synchronizer) labelled(list []chat.Message) []chat.Message {
	for i := range list {
		list[i] = s.label(list[i])
	}
	return list
}

func (s *Synchronizer) scroll(animated bool) {
	if s.opts.Viewport != nil {
		s.opts.Viewport.ScrollToNewest(animated)
	}
}

func (s *Synchronizer) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}
