package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/bootstrap"
	"github.com/your-org/tileflow/internal/eventbus"
	"github.com/your-org/tileflow/internal/processing"
	"github.com/your-org/tileflow/internal/realtime"
	"github.com/your-org/tileflow/internal/store"
	"github.com/your-org/tileflow/internal/tagging"
	"github.com/your-org/tileflow/pkg/metrics"
	"github.com/your-org/tileflow/pkg/postgres"
	"github.com/your-org/tileflow/pkg/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Init(ctx, "worker")
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

	rdb, err := redis.NewClient(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logr.Fatal("init redis", zap.Error(err))
	}
	defer rdb.Close()
	notifier := realtime.NewRelayPublisher(rdb, cfg.Redis.RelayChannel)

	producer := rt.Producer()
	defer func() {
		if err := producer.Close(); err != nil {
			logr.Error("producer close failed", zap.Error(err))
		}
	}()
	bus := rt.Bus(producer)

	var registrar processing.Registrar
	if cfg.TileServer.ConfigPath != "" {
		registrar = processing.NewTileRegistry(processing.RegistryOptions{
			ConfigPath: cfg.TileServer.ConfigPath,
			SourceRoot: cfg.TileServer.SourceRoot,
			RestartURL: cfg.TileServer.RestartURL,
			Locker:     rdb,
			LockTTL:    cfg.TileServer.LockTTL,
		}, logr)
	}

	rasters := processing.NewWorker(processing.Params{
		Store: db,
		Blobs: blobs,
		Toolchain: processing.GDAL{
			InfoBin:      cfg.Processing.GDALInfoBin,
			TranslateBin: cfg.Processing.GDALTranslateBin,
			AddoBin:      cfg.Processing.GDALAddoBin,
		},
		Bus:       bus,
		Notifier:  notifier,
		Registrar: registrar,
		Config: processing.Config{
			ScratchDir:     cfg.Processing.ScratchDir,
			ConvertTimeout: cfg.Processing.ConvertTimeout,
			PreviewWidth:   cfg.Processing.PreviewWidth,
		},
		Logger: logr,
	})

	tagger := tagging.NewWorker(tagging.Params{
		Store: db,
		Blobs: blobs,
		Extractor: tagging.Extractor{
			PDFToTextBin: cfg.Tagging.PDFToTextBin,
			MaxBytes:     cfg.Tagging.MaxTextBytes,
		},
		Classifier: tagging.NewHTTPClassifier(cfg.Tagging.ClassifierURL, cfg.Tagging.Timeout, cfg.Tagging.Retries),
		Notifier:   notifier,
		Config: tagging.Config{
			ScratchDir: cfg.Processing.ScratchDir,
			MaxTags:    cfg.Tagging.MaxTags,
		},
		Logger: logr,
	})

	subscriptions := []struct {
		queue   string
		binding string
		handler eventbus.Handler
	}{
		{processing.Queue, processing.Binding, rasters.Handle},
		{tagging.Queue, tagging.Binding, tagger.Handle},
	}
	var wg sync.WaitGroup
	for _, sub := range subscriptions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bus.Subscribe(ctx, sub.queue, sub.binding, sub.handler); err != nil {
				logr.Error("subscription stopped", zap.String("queue", sub.queue), zap.Error(err))
				stop()
			}
		}()
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Handle("/metrics", metrics.Handler())
	if err := rt.Serve(ctx, "worker metrics", &http.Server{Addr: cfg.Metrics.Addr, Handler: router}); err != nil {
		logr.Error("metrics server failed", zap.Error(err))
		stop()
	}

	wg.Wait()
	logr.Info("worker stopped")
}
