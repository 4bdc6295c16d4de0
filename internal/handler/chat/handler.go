package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tripmate/backend/internal/handler/apierr"
	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	chatService "github.com/zhouzirui/tripmate/backend/internal/service/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

// Handler 会话、消息、回执与表情回应的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由，调用方负责挂载鉴权中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.handleCreateConversation)
	r.Get("/conversations", h.handleListConversations)
	r.Get("/conversations/{id}", h.handleGetConversation)
	r.Get("/conversations/{id}/messages", h.handleListMessages)
	r.Post("/conversations/{id}/messages", h.handleSendMessage)
	r.Post("/conversations/{id}/read", h.handleMarkRead)
	r.Post("/receipts/query", h.handleQueryReceipts)
	r.Post("/messages/{id}/reactions", h.handleToggleReaction)
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ParticipantID string `json:"participantId"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	conv, created, err := h.chatSvc.CreateConversation(r.Context(), middleware.Actor(r.Context()), payload.ParticipantID)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	utils.RespondJSON(w, status, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.chatSvc.ListConversations(r.Context(), middleware.Actor(r.Context()))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	if list == nil {
		list = []chat.Conversation{}
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chatSvc.GetConversation(r.Context(), middleware.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	list, err := h.chatSvc.ListMessages(r.Context(), middleware.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	if list == nil {
		list = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if !utils.DecodeJSON(w, r, &req) {
		return
	}
	req.ConversationID = chi.URLParam(r, "id")

	msg, err := h.chatSvc.SendMessage(r.Context(), middleware.Actor(r.Context()), req)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.chatSvc.MarkAsRead(r.Context(), middleware.Actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]int{"created": n})
}

func (h *Handler) handleQueryReceipts(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageIDs []string `json:"messageIds"`
		ReaderID   string   `json:"readerId"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}
	if payload.ReaderID == "" {
		utils.RespondError(w, http.StatusBadRequest, "readerId is required")
		return
	}

	out, err := h.chatSvc.QueryReceipts(r.Context(), middleware.Actor(r.Context()), payload.MessageIDs, payload.ReaderID)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Emoji string `json:"emoji"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	msg, err := h.chatSvc.ToggleReaction(r.Context(), middleware.Actor(r.Context()), chi.URLParam(r, "id"), payload.Emoji)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}
