package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tripmate/backend/internal/model/profile"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

// Issuer signs a token for a user id.
type Issuer interface {
	Issue(userID string) (string, time.Time, error)
}

// Handler 开发环境登录：按 userId 签发 token。
type Handler struct {
	issuer   Issuer
	profiles profile.Store
}

func New(issuer Issuer, profiles profile.Store) *Handler {
	return &Handler{issuer: issuer, profiles: profiles}
}

// RegisterRoutes 注册登录路由（无需鉴权）
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if _, ok := h.profiles.FindByID(userID); !ok {
		utils.RespondError(w, http.StatusNotFound, "unknown user")
		return
	}

	token, expiresAt, err := h.issuer.Issue(userID)
	if err != nil {
		logger.Error("token_issue_failed", "user_id", userID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	logger.Info("session_created", "user_id", userID)
	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
		"userId":    userID,
	})
}
