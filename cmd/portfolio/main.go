package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"portfolio/internal/chat"
	"portfolio/internal/config"
	"portfolio/internal/identity"
	"portfolio/internal/ratelimit"
	"portfolio/internal/server"
	"portfolio/internal/session"
	"portfolio/internal/storage"
	"portfolio/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	sessions := session.NewManager(store, identity.NewClient(cfg.IdentityBaseURL))
	if err := sessions.Initialize(ctx); err != nil {
		slog.Warn("session initialization failed, starting unauthenticated", "err", err)
	}

	chatSession := chat.NewSession(chat.NewTransport(cfg.ChatBaseURL), store, cfg.Suggestions)
	if err := chatSession.Restore(ctx); err != nil {
		slog.Warn("chat history restore failed, starting empty", "err", err)
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	srv, err := server.New(server.Config{
		Sessions:        sessions,
		Chat:            chatSession,
		LoginLimiter:    buildLimiter(cfg, "login", cfg.LoginRateLimitPerMinute),
		RegisterLimiter: buildLimiter(cfg, "register", cfg.RegisterRateLimitPerMinute),
		Proxies:         proxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	// No WriteTimeout: the chat relay holds its response open while the
	// upstream stream is assembled.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
}

func buildStore(cfg config.FileConfig) (storage.KV, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return storage.NewMemoryKV(), nil
	case config.StoreRedis:
		return storage.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, "")
	case config.StorePostgres:
		return storage.NewGormKV(cfg.DatabaseURL)
	default:
		return storage.NewFileKV(cfg.DataDir)
	}
}

func buildLimiter(cfg config.FileConfig, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 || cfg.RedisAddr == "" {
		return nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "portfolio:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		slog.Warn("rate limiter disabled", "endpoint", name, "err", err)
		return nil
	}
	return limiter
}
