// Package stream serves a conversation's push events over Server-Sent Events
// for clients that cannot hold a WebSocket.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tripmate/backend/internal/handler/apierr"
	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	realtimeService "github.com/zhouzirui/tripmate/backend/internal/service/realtime"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

// ConversationReader 用于校验订阅者是否为会话参与者
type ConversationReader interface {
	GetConversation(ctx context.Context, actor, conversationID string) (chat.Conversation, error)
}

// Handler streams messages, message updates and receipts of one conversation
type Handler struct {
	hub       *realtimeService.Hub
	convs     ConversationReader
	heartbeat time.Duration
}

// New creates a new stream handler
func New(hub *realtimeService.Hub, convs ConversationReader, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Handler{hub: hub, convs: convs, heartbeat: heartbeat}
}

// RegisterRoutes 注册SSE路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{id}/events", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	actor := middleware.Actor(r.Context())
	conversationID := chi.URLParam(r, "id")
	if _, err := h.convs.GetConversation(r.Context(), actor, conversationID); err != nil {
		apierr.Write(w, r, err)
		return
	}

	topics := []string{
		event.MessagesTopic(conversationID),
		event.MessageUpdatesTopic(conversationID),
		event.ReceiptsTopic(conversationID),
	}
	merged := make(chan event.Event, 16)
	ctx := r.Context()
	for _, topic := range topics {
		sub := h.hub.Subscribe(topic)
		defer sub.Close()
		go pump(ctx, sub, merged)
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "connected"); err != nil {
		return
	}
	logger.Info("sse_connected", "user_id", actor, "conversation_id", conversationID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sse_disconnected", "user_id", actor, "conversation_id", conversationID)
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case ev := <-merged:
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return
			}
		}
	}
}

// pump 把单个订阅的事件汇入 out，订阅关闭或请求结束后退出
func pump(ctx context.Context, sub *realtimeService.Subscriber, out chan<- event.Event) {
	for ev := range sub.Events() {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
