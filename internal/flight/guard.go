// Package flight provides single-flight guards: at most one holder per key,
// with concurrent attempts rejected instead of queued.
package flight

import (
	"context"
	"errors"
	"sync"
)

// ErrInFlight is returned when another holder owns the key.
var ErrInFlight = errors.New("operation already in flight")

// Guard hands out exclusive, non-blocking claims on keys.
type Guard interface {
	// TryAcquire claims key or fails with ErrInFlight. The returned release func is idempotent.
	TryAcquire(ctx context.Context, key string) (release func(), err error)
}

// LocalGuard is an in-process guard.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) TryAcquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, ErrInFlight
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}
