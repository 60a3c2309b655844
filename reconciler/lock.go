package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RunLock is the cross-process half of run mutual exclusion.
type RunLock interface {
	// Acquire returns ErrAlreadyRunning when another holder exists.
	Acquire(ctx context.Context) (release func(context.Context), err error)
	Held(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
}

const DefaultLockKey = "lock:directory-sync"

// RedisRunLock holds a redislock key for the duration of a run, refreshing it at half the TTL.
type RedisRunLock struct {
	client *redis.Client
	locker *redislock.Client
	key    string
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisRunLock(client *redis.Client, locker *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisRunLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisRunLock{client: client, locker: locker, key: DefaultLockKey, ttl: ttl, logger: logger}
}

func (l *RedisRunLock) Acquire(ctx context.Context) (func(context.Context), error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.logger.WithFields(logrus.Fields{"key": l.key}).WithError(err).Warn("failed to refresh run lock")
					return
				}
			}
		}
	}()

	return func(ctx context.Context) {
		once.Do(func() {
			close(stop)
			if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.WithFields(logrus.Fields{"key": l.key}).WithError(err).Warn("failed to release run lock")
			}
		})
	}, nil
}

func (l *RedisRunLock) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *RedisRunLock) Reset(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}
