// Package redis builds the shared Redis client and a token-guarded
// distributed lock on top of it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("lock held by another owner")

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and pings before returning.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Locker is the subset of the client a lock needs.
type Locker interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
}

type Lock struct {
	client Locker
	key    string
	token  string
}

// TryLock takes key for ttl. It returns ErrLockHeld when someone else owns it.
func TryLock(ctx context.Context, client Locker, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: client, key: key, token: token}, nil
}

// Acquire retries TryLock every poll until it succeeds or ctx is done.
func Acquire(ctx context.Context, client Locker, key string, ttl, poll time.Duration) (*Lock, error) {
	for {
		lock, err := TryLock(ctx, client, key, ttl)
		if !errors.Is(err, ErrLockHeld) {
			return lock, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// Release deletes the key only if this lock still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
