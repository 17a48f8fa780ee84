package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/auth"
	"github.com/your-org/tileflow/internal/bootstrap"
	"github.com/your-org/tileflow/internal/realtime"
	"github.com/your-org/tileflow/pkg/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Init(ctx, "realtime")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	cfg, logr := rt.Config, rt.Logger

	verifier, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		logr.Fatal("init auth", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logr.Fatal("init redis", zap.Error(err))
	}
	defer rdb.Close()

	hub := realtime.NewHub(cfg.Realtime.HeartbeatInterval, logr)
	go hub.Run(ctx)

	relay := realtime.NewRelaySubscriber(rdb, cfg.Redis.RelayChannel, hub, logr)
	go func() {
		if err := relay.Run(ctx); err != nil {
			logr.Error("relay stopped", zap.Error(err))
			stop()
		}
	}()

	handler := realtime.NewHandler(hub, verifier, realtime.HandlerOptions{
		Heartbeat:      cfg.Realtime.HeartbeatInterval,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, logr)
	server := &http.Server{
		Addr:        cfg.Realtime.Addr,
		Handler:     realtime.NewRouter(handler),
		ReadTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout: cfg.HTTP.IdleTimeout,
	}
	// Hijacked sockets are not tracked by Shutdown; close them through the hub.
	server.RegisterOnShutdown(func() { hub.Shutdown(context.Background()) })

	if err := rt.Serve(ctx, "realtime", server); err != nil {
		logr.Error("http server failed", zap.Error(err))
	}
}
