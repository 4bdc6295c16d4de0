package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tripmate/backend/internal/config"
	"github.com/zhouzirui/tripmate/backend/internal/handler/chat"
	"github.com/zhouzirui/tripmate/backend/internal/handler/media"
	"github.com/zhouzirui/tripmate/backend/internal/handler/presence"
	"github.com/zhouzirui/tripmate/backend/internal/handler/profile"
	"github.com/zhouzirui/tripmate/backend/internal/handler/realtime"
	"github.com/zhouzirui/tripmate/backend/internal/handler/session"
	"github.com/zhouzirui/tripmate/backend/internal/handler/stream"
	"github.com/zhouzirui/tripmate/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/tripmate/backend/internal/middleware"
	profileModel "github.com/zhouzirui/tripmate/backend/internal/model/profile"
	chatService "github.com/zhouzirui/tripmate/backend/internal/service/chat"
	mediaService "github.com/zhouzirui/tripmate/backend/internal/service/media"
	presenceService "github.com/zhouzirui/tripmate/backend/internal/service/presence"
	realtimeService "github.com/zhouzirui/tripmate/backend/internal/service/realtime"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

// Tokens 既能签发也能校验访问令牌
type Tokens interface {
	session.Issuer
	middlewarePkg.TokenParser
}

// Deps 汇总路由依赖的服务
type Deps struct {
	Config   *config.Config
	Profiles profileModel.Store
	Tokens   Tokens
	Chat     *chatService.Service
	Presence *presenceService.Service
	Media    *mediaService.Service
	Hub      *realtimeService.Hub
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Server.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	mediaHandler := media.New(deps.Media, cfg.Server.MaxUploadBytes.Int64())
	wsHandler := realtime.NewWebSocketHandler(deps.Hub, deps.Chat, realtime.Options{
		PingInterval:   cfg.Realtime.PingInterval,
		ReadTimeout:    cfg.Realtime.ReadTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	r.Route("/api", func(api chi.Router) {
		// 公开路由
		session.New(deps.Tokens, deps.Profiles).RegisterRoutes(api)
		mediaHandler.RegisterPublicRoutes(api)

		api.Group(func(api chi.Router) {
			api.Use(middlewarePkg.Authenticate(deps.Tokens))

			profile.New(deps.Profiles).RegisterRoutes(api)
			chat.New(deps.Chat).RegisterRoutes(api)
			stream.New(deps.Hub, deps.Chat, cfg.Realtime.PingInterval).RegisterRoutes(api)
			presence.New(deps.Presence).RegisterRoutes(api)
			mediaHandler.RegisterRoutes(api)
			wsHandler.RegisterRoutes(api)
		})
	})

	return r
}
