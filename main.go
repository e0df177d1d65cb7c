package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"chatsync-server/api"
	"chatsync-server/auth"
	"chatsync-server/config"
	"chatsync-server/delivery"
	"chatsync-server/hub"
	"chatsync-server/notify"
	"chatsync-server/presence"
	"chatsync-server/protocol"
	"chatsync-server/ratelimit"
	"chatsync-server/store"
	"chatsync-server/store/gormstore"
	"chatsync-server/store/memory"
	ws "chatsync-server/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Server.LogLevel)

	db, err := openStore(cfg.Database)
	if err != nil {
		slog.Error("store error", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		statuses = presence.NewMemoryStatusStore()
		signaler notify.Signaler
		relay    *notify.RedisSignaler
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis error", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		statuses = presence.NewRedisStatusStore(rdb)
		relay = notify.NewRedisSignaler(rdb)
		signaler = relay
	}

	// sockets holds every authenticated websocket; registry only those
	// logged in to chat
	sockets := presence.NewRegistry()
	deliver := notify.ConnectionDeliver(sockets)
	if relay == nil {
		signaler = notify.NewLocalSignaler(deliver)
	}

	registry := presence.NewRegistry()
	rooms := hub.New(db)
	dispatcher := notify.NewDispatcher(registry, notify.NewStoreService(db), signaler, cfg.Delivery.NotifyTimeout)
	messages := delivery.NewService(db, rooms, registry, dispatcher, delivery.Config{
		PersistTimeout: cfg.Delivery.PersistTimeout,
		PageSize:       cfg.Delivery.HistoryPageSize,
	})
	announcer := presence.NewAnnouncer(registry, statuses, db)
	validator := auth.NewValidator(cfg.JWT.Secret, db)
	handler := protocol.NewHandler(registry, rooms, messages, announcer,
		ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window))

	if relay != nil {
		go func() {
			err := relay.Run(ctx, deliver)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("notification relay stopped", "error", err)
			}
		}()
	}

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Auth:           validator,
		Delivery:       messages,
		Registry:       registry,
		Hub:            rooms,
		Presence:       announcer,
		Limiter:        ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window),
		WebSocket:      ws.NewServer(validator, handler, cfg.Server.CORSOrigins, ws.WithSockets(sockets)),
		AllowedOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port, "sql", cfg.Database.DSN != "", "redis", cfg.Redis.Addr != "")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func openStore(cfg config.Database) (store.Gateway, error) {
	if cfg.DSN == "" {
		slog.Warn("DATABASE_DSN not set, using in-memory store")
		return memory.New(), nil
	}
	return gormstore.Open(cfg.DSN)
}

func setupLogger(lvl string) {
	level := slog.LevelInfo
	switch lvl {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
