package store

import (
	"context"
	"fmt"
	"sync"
)

// sweepLockKey is the Postgres advisory lock key guarding job writes against dedupe sweeps.
const sweepLockKey int64 = 0x6a6f6273

// gate is the in-process write/sweep lock for backends that live in one process.
type gate struct {
	rw sync.RWMutex
}

// LockWrites blocks until no sweep holds the store and returns the idempotent release.
func (g *gate) LockWrites(ctx context.Context) (func(), error) {
	return g.acquire(ctx, g.rw.RLock, g.rw.RUnlock)
}

// LockSweep blocks until no write or sweep holds the store.
func (g *gate) LockSweep(ctx context.Context) (func(), error) {
	return g.acquire(ctx, g.rw.Lock, g.rw.Unlock)
}

func (g *gate) acquire(ctx context.Context, lock, unlock func()) (func(), error) {
	got := make(chan struct{})
	go func() {
		lock()
		close(got)
	}()
	select {
	case <-got:
	case <-ctx.Done():
		// hand the lock straight back once it arrives
		go func() {
			<-got
			unlock()
		}()
		return nil, fmt.Errorf("wait for store lock: %w", ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(unlock) }, nil
}

// LockWrites takes the shared advisory lock on a dedicated pooled connection.
// Every process sharing the database sees it.
func (s *Store) LockWrites(ctx context.Context) (func(), error) {
	return s.advisoryLock(ctx, "SELECT pg_advisory_lock_shared($1)", "SELECT pg_advisory_unlock_shared($1)")
}

// LockSweep takes the exclusive advisory lock.
func (s *Store) LockSweep(ctx context.Context) (func(), error) {
	return s.advisoryLock(ctx, "SELECT pg_advisory_lock($1)", "SELECT pg_advisory_unlock($1)")
}

func (s *Store) advisoryLock(ctx context.Context, lockSQL, unlockSQL string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, lockSQL, sweepLockKey); err != nil {
		// a cancelled wait may still have been granted; drop the session with it
		_ = conn.Hijack().Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx := context.WithoutCancel(ctx)
			if _, err := conn.Exec(ctx, unlockSQL, sweepLockKey); err != nil {
				// closing the session drops the lock; never pool a connection still holding it
				_ = conn.Hijack().Close(ctx)
				return
			}
			conn.Release()
		})
	}, nil
}
