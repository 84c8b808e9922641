package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/network/netpoll"

	"github.com/botchat/botchat-backend/internal/attach"
	"github.com/botchat/botchat-backend/internal/auth"
	"github.com/botchat/botchat-backend/internal/config"
	"github.com/botchat/botchat-backend/internal/fanout"
	"github.com/botchat/botchat-backend/internal/httpapi"
	"github.com/botchat/botchat-backend/internal/keycheck"
	"github.com/botchat/botchat-backend/internal/keystore"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/internal/provider/registry"
	"github.com/botchat/botchat-backend/internal/quota"
	"github.com/botchat/botchat-backend/internal/run"
	"github.com/botchat/botchat-backend/pkg/logger"
	"github.com/botchat/botchat-backend/providers/anthropic"
	"github.com/botchat/botchat-backend/providers/common/streamhttp"
	"github.com/botchat/botchat-backend/providers/gemini"
	"github.com/botchat/botchat-backend/providers/openai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		log.Fatalf("setup logger: %v", err)
	}
	hlog.SetLogger(logger.NewHertzSlogAdapter(lg))

	store, err := quota.Open(cfg.SQLitePath)
	if err != nil {
		lg.Error("open quota store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	keys, err := keystore.New(cfg.KeystoreDir)
	if err != nil {
		lg.Error("open keystore failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := streamhttp.NewClient(cfg.ProviderTimeout)
	catalog, err := registry.NewCatalog([]contracts.Adapter{
		openai.New(client, ""),
		anthropic.New(client, ""),
		gemini.New(client, ""),
	})
	if err != nil {
		lg.Error("build provider catalog failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	platformKeys := cfg.PlatformKeys()
	coord := fanout.New(fanout.Config{
		Catalog:      catalog,
		PlatformKeys: platformKeys,
		Reconciler:   quota.NewReconciler(store, lg),
		Logger:       lg,
	})

	reg := run.NewRegistry(cfg.RunTTL, cfg.SweepInterval, lg)
	reg.Start()
	defer reg.Stop()

	var issuer *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		issuer, err = auth.NewTokenIssuer(cfg.JWTSecret, auth.DefaultTokenTTL)
		if err != nil {
			lg.Error("token issuer failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		lg.Warn("BOTCHAT_JWT_SECRET unset, session auth disabled")
	}

	h := server.Default(
		server.WithHostPorts(cfg.ListenAddr),
		server.WithTransport(netpoll.NewTransporter),
	)

	httpapi.Setup(h, httpapi.Deps{
		Runs:      httpapi.NewRunHandler(reg, coord, store, attach.PlainTextExtractor{}, cfg.DefaultMaxParallel, lg),
		Auth:      httpapi.NewAuthHandler(nil, auth.UnconfiguredExchanger(), issuer, store, cfg.AllowedEmails, lg),
		Settings:  httpapi.NewSettingsHandler(keys, keycheck.New(), cfg.APIKey, platformKeys, lg),
		Issuer:    issuer,
		StaticKey: cfg.APIKey,

		CORSOrigins: cfg.CORSOrigins,
		Logger:      lg,
	})

	lg.Info("server starting",
		slog.String("addr", cfg.ListenAddr),
		slog.Int("platform_providers", len(platformKeys)))

	go func() {
		if err := h.Run(); err != nil {
			lg.Error("server run failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		lg.Error("shutdown failed", slog.String("error", err.Error()))
	}
}
