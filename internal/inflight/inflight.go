// Package inflight rejects a second concurrent operation on the same key
// instead of queueing it.
package inflight

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBusy = errors.New("operation already in flight")

// Guard hands out a short-lived exclusive claim per key. Acquire returns
// ErrBusy when the key is already claimed. The returned release func is safe
// to call more than once.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalGuard claims keys within one process.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *LocalGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expires, ok := g.held[key]; ok && (ttl <= 0 || now.Before(expires)) {
		return nil, ErrBusy
	}

	expires := now.Add(ttl)
	if ttl <= 0 {
		expires = now.Add(24 * time.Hour)
	}
	g.held[key] = expires

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if held, ok := g.held[key]; ok && held.Equal(expires) {
				delete(g.held, key)
			}
		})
	}, nil
}

// Noop never reports a key as busy.
type Noop struct{}

func (Noop) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	return func() {}, nil
}
