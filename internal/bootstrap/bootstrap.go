// Package bootstrap holds the start-up wiring shared by the tileflow binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/eventbus"
	"github.com/your-org/tileflow/pkg/config"
	"github.com/your-org/tileflow/pkg/kafka"
	"github.com/your-org/tileflow/pkg/logger"
	"github.com/your-org/tileflow/pkg/metrics"
	"github.com/your-org/tileflow/pkg/storage/objectstore"
	"github.com/your-org/tileflow/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

// Runtime is what every binary needs before wiring its own components.
type Runtime struct {
	Config *config.Config
	Logger *zap.Logger

	traceShutdown func(context.Context) error
}

// Init loads configuration, builds the logger and starts tracing for the
// named service.
func Init(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(logger.Options{
		Level:       cfg.App.LogLevel,
		Service:     cfg.App.Name + "-" + service,
		Environment: cfg.App.Environment,
		Version:     cfg.App.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name + "-" + service,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	metrics.Register()
	return &Runtime{Config: cfg, Logger: logr, traceShutdown: traceShutdown}, nil
}

// Close flushes traces and logs.
func (r *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.traceShutdown(ctx); err != nil {
		r.Logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = r.Logger.Sync()
}

func (r *Runtime) Producer() *kafka.Producer {
	k := r.Config.Kafka
	return kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchTimeout: k.BatchTimeout,
		Compression:  kafka.CompressionFromString(k.CompressionCodec),
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  k.Retries,
	})
}

func (r *Runtime) Bus(producer *kafka.Producer) *eventbus.Bus {
	k := r.Config.Kafka
	return eventbus.New(producer, eventbus.KafkaReaders(k.Brokers), eventbus.Options{
		Exchange:     k.Exchange,
		Channels:     k.ChannelsPerQueue,
		Attempts:     k.HandlerAttempts,
		RetryInitial: k.RetryInitial,
		RetryMax:     k.RetryMax,
		MaxElapsed:   k.RetryMaxElapsed,
	}, r.Logger)
}

func (r *Runtime) ObjectStore() (objectstore.Client, error) {
	s := r.Config.Storage
	return objectstore.New(objectstore.Config{
		Provider:  s.Provider,
		Endpoint:  s.Endpoint,
		Region:    s.Region,
		Bucket:    s.Bucket,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		UseSSL:    s.UseSSL,
	})
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func (r *Runtime) Serve(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		r.Logger.Info(name+" listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	return nil
}
