package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tripmate/backend/internal/handler/apierr"
	"github.com/zhouzirui/tripmate/backend/internal/metrics"
	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	realtimeService "github.com/zhouzirui/tripmate/backend/internal/service/realtime"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

const (
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 64 << 10
)

// ConversationReader 用于校验订阅者是否为会话参与者
type ConversationReader interface {
	GetConversation(ctx context.Context, actor, conversationID string) (chat.Conversation, error)
}

// Options 控制心跳与跨域
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	AllowedOrigins []string
}

// WebSocketHandler 通过单条 WebSocket 多路复用 topic 订阅
type WebSocketHandler struct {
	hub      *realtimeService.Hub
	convs    ConversationReader
	opts     Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *realtimeService.Hub, convs ConversationReader, opts Options) *WebSocketHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.ReadTimeout <= opts.PingInterval {
		opts.ReadTimeout = 2*opts.PingInterval + 10*time.Second
	}
	h := &WebSocketHandler{hub: hub, convs: convs, opts: opts}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterRoutes 注册WebSocket路由，调用方负责挂载鉴权中间件
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// connection 单个客户端连接的订阅状态
type connection struct {
	actor string
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*realtimeService.Subscriber
	wg   sync.WaitGroup
}

func (c *connection) send(frame event.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *connection) sendError(topic, msg string) {
	_ = c.send(event.Frame{Type: event.FrameError, Topic: topic, Error: msg})
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor := middleware.Actor(r.Context())
	if actor == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "user_id", actor, "error", err)
		return
	}

	c := &connection{actor: actor, conn: ws, subs: make(map[string]*realtimeService.Subscriber)}
	metrics.WebSocketConnections.Inc()
	logger.Info("ws_connected", "user_id", actor, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.closeAll()
		ws.Close()
		c.wg.Wait()
		metrics.WebSocketConnections.Dec()
		logger.Info("ws_disconnected", "user_id", actor)
	}()

	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		return nil
	})

	go h.pingLoop(ctx, c)

	for {
		var frame event.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("ws_read_failed", "user_id", actor, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		h.handleFrame(ctx, c, frame)
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, c *connection, frame event.Frame) {
	switch frame.Type {
	case event.FrameSubscribe:
		h.subscribe(ctx, c, frame.Topic)
	case event.FrameUnsubscribe:
		c.unsubscribe(frame.Topic)
		_ = c.send(event.Frame{Type: event.FrameUnsubscribed, Topic: frame.Topic})
	case event.FramePing:
		_ = c.send(event.Frame{Type: event.FramePong})
	default:
		c.sendError("", "unsupported frame type: "+string(frame.Type))
	}
}

// authorize 会话类 topic 仅对参与者开放，在线状态 topic 对所有登录用户开放
func (h *WebSocketHandler) authorize(ctx context.Context, actor, topic string) error {
	scope, err := event.ParseTopic(topic)
	if err != nil {
		return err
	}
	if scope.ConversationID == "" {
		return nil
	}
	_, err = h.convs.GetConversation(ctx, actor, scope.ConversationID)
	return err
}

func (h *WebSocketHandler) subscribe(ctx context.Context, c *connection, topic string) {
	if err := h.authorize(ctx, c.actor, topic); err != nil {
		logger.Warn("ws_subscribe_denied", "user_id", c.actor, "topic", topic, "error", err)
		msg := err.Error()
		if apierr.Status(err) == http.StatusInternalServerError {
			msg = "internal error"
		}
		c.sendError(topic, msg)
		return
	}

	c.mu.Lock()
	_, exists := c.subs[topic]
	var sub *realtimeService.Subscriber
	if !exists {
		sub = h.hub.Subscribe(topic)
		c.subs[topic] = sub
	}
	c.mu.Unlock()

	// 重复订阅只重新确认
	if err := c.send(event.Frame{Type: event.FrameSubscribed, Topic: topic}); err != nil {
		return
	}
	if sub != nil {
		c.wg.Add(1)
		go c.forward(sub)
	}
}

// forward 把订阅者收到的事件写回客户端，订阅关闭后退出
func (c *connection) forward(sub *realtimeService.Subscriber) {
	defer c.wg.Done()
	for ev := range sub.Events() {
		if err := c.send(event.Frame{Type: event.FrameEvent, Topic: sub.Topic(), Event: &ev}); err != nil {
			logger.Warn("ws_write_failed", "user_id", c.actor, "topic", sub.Topic(), "error", err)
			c.conn.Close()
			return
		}
	}
}

func (c *connection) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *connection) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*realtimeService.Subscriber)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// pingLoop 定期发送 ping，客户端的 pong 会刷新读超时
func (h *WebSocketHandler) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
