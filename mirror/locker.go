package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marusama/semaphore/v2"
	"github.com/redis/go-redis/v9"
)

// Locker serializes sync passes. Lock blocks until the lock is held or ctx
// is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// localLocker is a weight-1 semaphore: one pass per process.
type localLocker struct {
	sem semaphore.Semaphore
}

// NewLocalLocker returns an in-process Locker.
func NewLocalLocker() Locker {
	return &localLocker{sem: semaphore.New(1)}
}

func (l *localLocker) Lock(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

const (
	redisLockTTL  = 10 * time.Minute
	redisLockPoll = 500 * time.Millisecond
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisLocker holds a SET NX lease so instances sharing one storage volume
// do not run passes concurrently. The lease is refreshed while held.
type redisLocker struct {
	client *redis.Client
	key    string
}

// NewRedisLocker parses redisURL (redis://...) and returns a Locker keyed on key.
func NewRedisLocker(ctx context.Context, redisURL, key string) (Locker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	sub("lock").Info("using redis sync lock", "addr", opts.Addr, "key", key)
	return &redisLocker{client: client, key: key}, nil
}

func (l *redisLocker) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisLockPoll):
		}
	}

	stop := make(chan struct{})
	go l.refresh(token, stop)

	return func() {
		close(stop)
		// Release on a fresh context; the caller's may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{l.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			sub("lock").Warn("release sync lock failed", "err", err)
		}
	}, nil
}

func (l *redisLocker) refresh(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(redisLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			cur, err := l.client.Get(ctx, l.key).Result()
			if err == nil && cur == token {
				l.client.Expire(ctx, l.key, redisLockTTL) //nolint:errcheck
			}
			cancel()
		}
	}
}
