package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/config"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/auth"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/hub"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/hdp"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/httpapi"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/middleware"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/mqtt"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/observability"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/proto/harmony"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/pushlistener"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/store"
)

const bringUpTimeout = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownObs, promHandler, tracer := observability.SetupObservability("harmony-adapter")
	defer shutdownObs()

	repo, err := store.NewRepository(cfg.Postgres.DSN())
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	cache := store.NewStateCache(rdb)

	mClient, err := mqtt.New(cfg.MQTTBrokerURL,
		mqtt.WithClientIDPrefix(cfg.AdapterID),
		mqtt.WithWill(hdp.StatusTopic(cfg.AdapterID), hdp.StatusPayload(cfg.AdapterID, cfg.AdapterVersion, "offline", "connection lost")),
	)
	if err != nil {
		slog.Error("mqtt init failed", "error", err)
		os.Exit(1)
	}
	publisher := hdp.NewPublisher(mClient, cache, cfg.AdapterID, cfg.AdapterVersion)

	creds := auth.Credentials{Email: cfg.Harmony.Email, Password: cfg.Harmony.Password, HubAddr: cfg.Harmony.HubAddr}
	session := hub.NewSession(creds, auth.New(auth.WithAuthURL(cfg.Harmony.AuthURL)), hub.WithRequestTimeout(cfg.Harmony.RequestTimeout))
	adapter := harmony.New(session, publisher,
		harmony.WithRecorder(repo),
		harmony.WithBroker(mClient),
		harmony.WithReconnect(cfg.Harmony.Reconnect),
	)
	session.SetEventHandler(adapter)

	bringUpCtx, cancelBringUp := context.WithTimeout(context.Background(), bringUpTimeout)
	if err := session.Connect(bringUpCtx); err != nil {
		slog.Error("harmony hub connect failed", "hub", creds.HubHostPort(), "error", err)
		os.Exit(1)
	}
	if err := adapter.Synchronize(bringUpCtx); err != nil {
		slog.Error("harmony initial synchronize failed", "error", err)
		os.Exit(1)
	}
	cancelBringUp()

	if err := adapter.Start(context.Background()); err != nil {
		slog.Error("harmony adapter start failed", "error", err)
		os.Exit(1)
	}

	push := pushlistener.New(publisher, cfg.PushPort)
	if err := push.Start(); err != nil {
		slog.Error("push listener start failed", "port", cfg.PushPort, "error", err)
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKey != "" {
		pubKey, err = middleware.LoadRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			slog.Error("failed to load jwt public key", "error", err)
			os.Exit(1)
		}
	}
	api := httpapi.NewServer(adapter, httpapi.ServerOptions{RequestTimeout: 3 * cfg.Harmony.RequestTimeout})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(httpapi.RouterOptions{PublicKey: pubKey, Metrics: promHandler, Tracer: tracer}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("adapter server error", "error", err)
		}
	}()
	slog.Info("harmony-adapter started", "port", cfg.Port, "push_port", cfg.PushPort, "adapter_id", cfg.AdapterID, "auth", pubKey != nil)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adapter.Stop()
	session.Disconnect()
	_ = push.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	mClient.Disconnect()
	_ = rdb.Close()
	slog.Info("harmony-adapter stopped")
}
