package presence

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tripmate/backend/internal/handler/apierr"
	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	presenceService "github.com/zhouzirui/tripmate/backend/internal/service/presence"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

// 单次查询的用户数上限
const maxQueryUsers = 200

// Handler 在线状态心跳与查询
type Handler struct {
	presenceSvc *presenceService.Service
}

func New(presenceSvc *presenceService.Service) *Handler {
	return &Handler{presenceSvc: presenceSvc}
}

// RegisterRoutes 注册在线状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Put("/presence", h.handleHeartbeat)
	r.Post("/presence/query", h.handleQuery)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Online bool `json:"online"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	p, err := h.presenceSvc.Heartbeat(r.Context(), middleware.Actor(r.Context()), payload.Online)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserIDs []string `json:"userIds"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}
	if len(payload.UserIDs) > maxQueryUsers {
		utils.RespondError(w, http.StatusBadRequest, "too many user ids")
		return
	}

	rows, err := h.presenceSvc.Query(r.Context(), payload.UserIDs)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	if rows == nil {
		rows = map[string]chat.Presence{}
	}
	utils.RespondJSON(w, http.StatusOK, rows)
}
