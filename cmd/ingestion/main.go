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
	"github.com/your-org/tileflow/internal/ingestion"
	"github.com/your-org/tileflow/internal/store"
	"github.com/your-org/tileflow/pkg/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Init(ctx, "ingestion")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	cfg, logr := rt.Config, rt.Logger

	pool, err := postgres.NewPool(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		logr.Fatal("init postgres", zap.Error(err))
	}
	defer pool.Close()
	db := store.New(pool)
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			logr.Fatal("migrate", zap.Error(err))
		}
	}

	blobs, err := rt.ObjectStore()
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	defer blobs.Close()

	verifier, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		logr.Fatal("init auth", zap.Error(err))
	}

	producer := rt.Producer()
	defer func() {
		if err := producer.Close(); err != nil {
			logr.Error("producer close failed", zap.Error(err))
		}
	}()

	service := ingestion.NewService(ingestion.Params{
		Store:      db,
		Blobs:      blobs,
		Bus:        rt.Bus(producer),
		PresignTTL: cfg.Storage.PresignTTL,
		StaleAfter: cfg.Processing.StaleAfter,
		Logger:     logr,
	})
	handler := ingestion.NewHTTPHandler(service, verifier, logr, cfg.Upload.MaxSizeBytes, cfg.Upload.MultipartMemBytes)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	if err := rt.Serve(ctx, "ingestion", server); err != nil {
		logr.Error("http server failed", zap.Error(err))
	}
}
