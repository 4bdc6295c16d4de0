package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	pingInterval        = 25 * time.Second
	readTimeout         = 60 * time.Second
	writeTimeout        = 10 * time.Second
	maxFrameBytes       = 1 << 20
)

type handler struct {
	fn     func(event.Event)
	active atomic.Bool
}

// socket multiplexes every topic subscription over one WebSocket. It dials on
// the first subscribe, redials with backoff after a drop and re-subscribes all
// registered topics on each new connection. Once every re-subscribe of a
// reconnect is answered, the reconnect callbacks run.
type socket struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	min, max time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	topics    map[string]map[int]*handler
	confirmed map[string]bool
	acks      map[string][]chan error
	conn      *websocket.Conn
	nextID    int
	running   bool
	connects  int
	resyncing map[string]bool
	hooks     map[int]func()

	writeMu sync.Mutex
}

func newSocket(url, token string, minDelay, maxDelay time.Duration, log *slog.Logger) *socket {
	if minDelay <= 0 {
		minDelay = defaultReconnectMin
	}
	if maxDelay < minDelay {
		maxDelay = defaultReconnectMax
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		url:       url,
		header:    header,
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		min:       minDelay,
		max:       maxDelay,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		topics:    make(map[string]map[int]*handler),
		confirmed: make(map[string]bool),
		acks:      make(map[string][]chan error),
		hooks:     make(map[int]func()),
	}
}

func (s *socket) onReconnect(fn func()) backend.Subscription {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.hooks[id] = fn
	s.mu.Unlock()
	return backend.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.hooks, id)
		s.mu.Unlock()
	})
}

// subscribe registers fn on topic and waits until the server confirms the
// topic, refuses it, or ctx ends.
func (s *socket) subscribe(ctx context.Context, topic string, fn func(event.Event)) (backend.Subscription, error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, backend.ErrClosed
	}
	s.nextID++
	id := s.nextID
	h := &handler{fn: fn}
	h.active.Store(true)
	entry, existed := s.topics[topic]
	if !existed {
		entry = make(map[int]*handler)
		s.topics[topic] = entry
	}
	entry[id] = h

	var ack chan error
	if !s.confirmed[topic] {
		ack = make(chan error, 1)
		s.acks[topic] = append(s.acks[topic], ack)
	}
	conn := s.conn
	if !s.running {
		s.running = true
		go s.run()
	}
	s.mu.Unlock()

	var once sync.Once
	sub := backend.SubscriptionFunc(func() {
		once.Do(func() { s.unsubscribe(topic, id, h) })
	})
	if ack == nil {
		return sub, nil
	}
	if conn != nil && !existed {
		// 发送失败时由重连流程重新订阅
		_ = s.write(conn, event.Frame{Type: event.FrameSubscribe, Topic: topic})
	}

	select {
	case err := <-ack:
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, backend.ErrClosed
	}
}

func (s *socket) unsubscribe(topic string, id int, h *handler) {
	h.active.Store(false)

	s.mu.Lock()
	entry := s.topics[topic]
	delete(entry, id)
	last := len(entry) == 0
	if last {
		delete(s.topics, topic)
		delete(s.confirmed, topic)
		delete(s.acks, topic)
	}
	settled := last && s.settle(topic)
	conn := s.conn
	s.mu.Unlock()

	if settled {
		s.fireReconnect()
	}
	if last && conn != nil {
		_ = s.write(conn, event.Frame{Type: event.FrameUnsubscribe, Topic: topic})
	}
}

func (s *socket) run() {
	backoff := s.min
	for s.ctx.Err() == nil {
		conn, resp, err := s.dialer.DialContext(s.ctx, s.url, s.header)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				s.failPending(fmt.Errorf("%w: websocket handshake status %d", backend.ErrUnauthorized, resp.StatusCode))
				backoff = s.max
			}
			s.log.Warn("ws_dial_failed", "url", s.url, "error", err, "retry_in", backoff)
			if !s.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, s.max)
			continue
		}
		backoff = s.min

		s.attach(conn)
		err = s.readLoop(conn)
		s.detach(conn)

		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("ws_disconnected", "error", err, "retry_in", backoff)
		if !s.sleep(backoff) {
			return
		}
	}
}

// attach installs conn and re-subscribes every registered topic on it.
func (s *socket) attach(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)

	s.mu.Lock()
	s.conn = conn
	s.connects++
	reconnected := s.connects > 1
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
		s.confirmed[topic] = false
	}
	s.resyncing = nil
	if reconnected && len(topics) > 0 {
		s.resyncing = make(map[string]bool, len(topics))
		for _, topic := range topics {
			s.resyncing[topic] = true
		}
	}
	s.mu.Unlock()

	s.log.Info("ws_connected", "url", s.url, "topics", len(topics), "reconnect", reconnected)
	if reconnected && len(topics) == 0 {
		s.fireReconnect()
	}
	for _, topic := range topics {
		if err := s.write(conn, event.Frame{Type: event.FrameSubscribe, Topic: topic}); err != nil {
			return
		}
	}
}

func (s *socket) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *socket) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		var frame event.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.dispatch(frame)
	}
}

// pingLoop 定期发送 ping，保持连接并探测断线
func (s *socket) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *socket) dispatch(frame event.Frame) {
	switch frame.Type {
	case event.FrameEvent:
		if frame.Event == nil {
			return
		}
		topic := frame.Event.Topic
		if topic == "" {
			topic = frame.Topic
		}
		s.mu.Lock()
		handlers := make([]*handler, 0, len(s.topics[topic]))
		for _, h := range s.topics[topic] {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()
		for _, h := range handlers {
			if h.active.Load() {
				h.fn(*frame.Event)
			}
		}
	case event.FrameSubscribed:
		s.resolve(frame.Topic, nil, true)
	case event.FrameError:
		if frame.Topic == "" {
			s.log.Warn("ws_server_error", "error", frame.Error)
			return
		}
		s.resolve(frame.Topic, fmt.Errorf("subscribe %s: %w: %s", frame.Topic, backend.ErrForbidden, frame.Error), false)
	}
}

func (s *socket) resolve(topic string, err error, confirmed bool) {
	s.mu.Lock()
	waiters := s.acks[topic]
	delete(s.acks, topic)
	if _, ok := s.topics[topic]; ok && confirmed {
		s.confirmed[topic] = true
	}
	settled := s.settle(topic)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	if settled {
		s.fireReconnect()
	}
}

// settle marks topic answered after a reconnect and reports whether it was
// the last one outstanding. Callers hold s.mu.
func (s *socket) settle(topic string) bool {
	if s.resyncing == nil || !s.resyncing[topic] {
		return false
	}
	delete(s.resyncing, topic)
	if len(s.resyncing) > 0 {
		return false
	}
	s.resyncing = nil
	return true
}

func (s *socket) fireReconnect() {
	s.mu.Lock()
	hooks := make([]func(), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.mu.Unlock()

	s.log.Info("ws_resynced", "callbacks", len(hooks))
	for _, fn := range hooks {
		fn()
	}
}

func (s *socket) failPending(err error) {
	s.mu.Lock()
	acks := s.acks
	s.acks = make(map[string][]chan error)
	s.mu.Unlock()

	for _, waiters := range acks {
		for _, ch := range waiters {
			ch <- err
		}
	}
}

func (s *socket) write(conn *websocket.Conn, frame event.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		s.log.Warn("ws_write_failed", "type", frame.Type, "topic", frame.Topic, "error", err)
		return err
	}
	return nil
}

func (s *socket) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *socket) close() error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
