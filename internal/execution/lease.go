package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/logging"
)

// Locker serialises exchange calls per credential. unlock must be called
// exactly once, and the lease must never be held across more than one call.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates an in-memory locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for credential lease %s: %w", key, ctx.Err())
	}
}

// LeaseStore is the Redis lease primitive
type LeaseStore interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) (bool, error)
}

// RedisLocker shares credential leases across executor instances.
type RedisLocker struct {
	store  LeaseStore
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a distributed locker. ttl should exceed the longest
// single exchange call.
func NewRedisLocker(store LeaseStore, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{store: store, ttl: ttl, poll: 20 * time.Millisecond, logger: logging.OrNop(logger).Named("lease")}
}

// Lock polls until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.store.TryLock(ctx, key, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() { once.Do(func() { l.release(key, token) }) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for credential lease %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	released, err := l.store.Unlock(ctx, key, token)
	if err != nil {
		l.logger.Warn("failed to release credential lease", zap.String("key", key), zap.Error(err))
		return
	}
	if !released {
		l.logger.Warn("credential lease expired before release", zap.String("key", key))
	}
}
