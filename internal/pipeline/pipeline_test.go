package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type runState struct {
	visited []string
}

func visit(name string, err error) Stage[runState] {
	return Stage[runState]{
		Name: name,
		Run: func(_ context.Context, s *runState) error {
			s.visited = append(s.visited, name)
			return err
		},
	}
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	r := NewRunner[runState]("test", zap.NewNop())
	var s runState

	require.NoError(t, r.Run(context.Background(), &s, visit("a", nil), visit("b", nil), visit("c", nil)))
	assert.Equal(t, []string{"a", "b", "c"}, s.visited)
}

func TestRunStopsAtFatalStage(t *testing.T) {
	r := NewRunner[runState]("test", zap.NewNop())
	var s runState
	boom := errors.New("boom")

	err := r.Run(context.Background(), &s, visit("a", nil), visit("b", boom), visit("c", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalStage)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, s.visited)
	assert.Equal(t, "b: boom", Message(err))
}

func TestRunContinuesPastBestEffortFailure(t *testing.T) {
	r := NewRunner[runState]("test", zap.NewNop())
	var s runState
	enrich := visit("enrich", errors.New("no preview"))
	enrich.BestEffort = true

	require.NoError(t, r.Run(context.Background(), &s, visit("a", nil), enrich, visit("c", nil)))
	assert.Equal(t, []string{"a", "enrich", "c"}, s.visited)
}

func TestRunConvertsStageTimeout(t *testing.T) {
	r := NewRunner[runState]("test", zap.NewNop())
	slow := Stage[runState]{
		Name:    "transform",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ *runState) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	err := r.Run(context.Background(), &runState{}, slow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalStage)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunRecoversPanics(t *testing.T) {
	r := NewRunner[runState]("test", zap.NewNop())
	bad := Stage[runState]{
		Name: "inspect",
		Run:  func(context.Context, *runState) error { panic("nil raster") },
	}

	err := r.Run(context.Background(), &runState{}, bad)
	assert.ErrorIs(t, err, ErrFatalStage)
}

func TestRunHonoursCancellation(t *testing.T) {
	r := NewRunner[runState]("test", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var s runState
	err := r.Run(ctx, &s, visit("a", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.visited)
}

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrTransient, "commit", "update file", cause)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "commit: update file")
	assert.Equal(t, "pipeline failure", buildDetail(" ", ""))
}

func TestScratchRelease(t *testing.T) {
	sc, err := NewScratch(t.TempDir(), "file")
	require.NoError(t, err)

	path := sc.Path("../escape.tif")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.Equal(t, sc.Dir(), filepath.Dir(path))

	require.NoError(t, sc.Release())
	_, err = os.Stat(sc.Dir())
	assert.True(t, os.IsNotExist(err))
}
