package inflight

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisGuard claims keys across every server instance sharing one Redis.
type RedisGuard struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
	logger logrus.FieldLogger
}

func NewRedisGuard(addr string, password string, db int, logger logrus.FieldLogger) *RedisGuard {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisGuard{
		client: client,
		locker: redislock.New(client),
		prefix: "gudangops:inflight:",
		logger: logger,
	}
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := g.locker.Obtain(ctx, g.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				g.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("release in-flight lock")
			}
		})
	}, nil
}
