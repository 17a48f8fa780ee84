package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLocker struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memLocker) SetNX(_ context.Context, key string, value any, _ time.Duration) *goredis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	m.keys[key] = value.(string)
	return goredis.NewBoolResult(true, nil)
}

func (m *memLocker) Eval(_ context.Context, _ string, keys []string, args ...any) *goredis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[keys[0]] == args[0].(string) {
		delete(m.keys, keys[0])
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func TestTryLockIsExclusive(t *testing.T) {
	locker := &memLocker{keys: map[string]string{}}
	ctx := context.Background()

	first, err := TryLock(ctx, locker, "tileserver", time.Second)
	require.NoError(t, err)

	_, err = TryLock(ctx, locker, "tileserver", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, first.Release(ctx))
	second, err := TryLock(ctx, locker, "tileserver", time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestReleaseIgnoresForeignToken(t *testing.T) {
	locker := &memLocker{keys: map[string]string{"k": "someone-else"}}
	stale := &Lock{client: locker, key: "k", token: "mine"}

	require.NoError(t, stale.Release(context.Background()))
	assert.Equal(t, "someone-else", locker.keys["k"])
}

func TestAcquireGivesUpWithContext(t *testing.T) {
	locker := &memLocker{keys: map[string]string{"k": "held"}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Acquire(ctx, locker, "k", time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTryLockRejectsZeroTTL(t *testing.T) {
	_, err := TryLock(context.Background(), &memLocker{keys: map[string]string{}}, "k", 0)
	assert.Error(t, err)
}
