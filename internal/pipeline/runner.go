// Package pipeline runs an ordered list of stages against one artifact. Stages
// execute strictly in sequence; a fatal stage stops the run, a best-effort
// stage only logs.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/pkg/metrics"
	"github.com/your-org/tileflow/pkg/tracing"
)

// Stage is one step of a pipeline operating on shared state S.
type Stage[S any] struct {
	Name       string
	BestEffort bool
	// Timeout bounds the stage; zero means the handler context only.
	Timeout time.Duration
	Run     func(ctx context.Context, state *S) error
}

// Runner executes stages for a named pipeline.
type Runner[S any] struct {
	name   string
	logger *zap.Logger
}

func NewRunner[S any](name string, logger *zap.Logger) *Runner[S] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner[S]{name: name, logger: logger}
}

// Run executes stages in order and returns the first fatal error, already
// marked with ErrFatalStage.
func (r *Runner[S]) Run(ctx context.Context, state *S, stages ...Stage[S]) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.runStage(ctx, state, st)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		if st.BestEffort {
			r.logger.Warn("best-effort stage failed",
				zap.String("pipeline", r.name),
				zap.String("stage", st.Name),
				zap.Error(err),
			)
			continue
		}
		return Fatal(st.Name, err)
	}
	return nil
}

func (r *Runner[S]) runStage(ctx context.Context, state *S, st Stage[S]) (err error) {
	stageCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}
	stageCtx, span := tracing.Start(stageCtx, r.name+"."+st.Name,
		attribute.String("pipeline", r.name),
		attribute.String("stage", st.Name),
		attribute.Bool("best_effort", st.BestEffort),
	)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("stage panicked", zap.String("stage", st.Name), zap.Any("panic", rec))
			err = Wrap(ErrFatalStage, st.Name, "panic", nil)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveStage(r.name, st.Name, outcome, time.Since(start))
		tracing.End(span, err)
	}()

	r.logger.Debug("stage started", zap.String("pipeline", r.name), zap.String("stage", st.Name))
	err = st.Run(stageCtx, state)
	if err != nil && st.Timeout > 0 && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = Wrap(ErrTimeout, st.Name, st.Timeout.String(), err)
	}
	r.logger.Debug("stage finished",
		zap.String("pipeline", r.name),
		zap.String("stage", st.Name),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	return err
}
