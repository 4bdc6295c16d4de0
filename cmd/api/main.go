package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tripmate/backend/internal/auth"
	"github.com/zhouzirui/tripmate/backend/internal/config"
	"github.com/zhouzirui/tripmate/backend/internal/handler"
	"github.com/zhouzirui/tripmate/backend/internal/model/profile"
	"github.com/zhouzirui/tripmate/backend/internal/service/chat"
	"github.com/zhouzirui/tripmate/backend/internal/service/media"
	"github.com/zhouzirui/tripmate/backend/internal/service/presence"
	"github.com/zhouzirui/tripmate/backend/internal/service/realtime"
	"github.com/zhouzirui/tripmate/backend/internal/store"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("dotenv_load_failed", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	db, err := store.Open(cfg.Store.DataDir, nil)
	if err != nil {
		os.Exit(1)
	}
	defer db.Close()

	hub := realtime.NewHub(cfg.Realtime.SubscriberBuf)
	if cfg.Kafka.Enabled() {
		bridge := realtime.NewKafkaBridge(cfg.Kafka, hub)
		defer bridge.Close()
		hub.SetForwarder(bridge)
		go bridge.Run(ctx)
	} else {
		logger.Info("kafka_disabled", "reason", "no brokers configured")
	}

	presenceStore, err := newPresenceStore(ctx, cfg)
	if err != nil {
		logger.Error("presence_store_failed", "error", err)
		os.Exit(1)
	}

	storage, err := newStorage(ctx, cfg)
	if err != nil {
		logger.Error("object_storage_failed", "error", err)
		os.Exit(1)
	}

	chatSvc := chat.NewService(db, hub, chat.Options{
		SendRPS:   cfg.RateLimit.SendRPS,
		SendBurst: cfg.RateLimit.SendBurst,
	})

	router := handler.NewRouter(handler.Deps{
		Config:   cfg,
		Profiles: profile.NewMemoryStore(profile.Seed()),
		Tokens:   auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL),
		Chat:     chatSvc,
		Presence: presence.NewService(presenceStore, hub, nil),
		Media:    media.NewService(storage),
		Hub:      hub,
	})

	startServer(ctx, cfg.Server, router)
}

func newPresenceStore(ctx context.Context, cfg *config.Config) (presence.Store, error) {
	if !cfg.Redis.Enabled() {
		logger.Info("presence_store_selected", "backend", "memory")
		return presence.NewMemoryStore(), nil
	}
	rdb, err := presence.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.Info("presence_store_selected", "backend", "redis", "addr", cfg.Redis.Addr)
	return presence.NewRedisStore(rdb), nil
}

func newStorage(ctx context.Context, cfg *config.Config) (media.Storage, error) {
	if !cfg.Storage.Enabled() {
		base := strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/media/objects"
		logger.Info("object_storage_selected", "backend", "memory", "public_base", base)
		return media.NewMemoryStorage(base), nil
	}
	storage, err := media.NewMinioStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("object_storage_selected", "backend", "minio", "endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)
	return storage, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("server_listening", "addr", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server_stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
