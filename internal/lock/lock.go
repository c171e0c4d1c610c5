// Package lock implements a Redlock-style distributed mutex keyed by room,
// grounded on original_source's crates/automod/src/storage/lock.rs
// (r3dlock::Mutex::with_retries) and built on top of internal/store's
// SetNX/ReleaseOwnedKey primitives.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/store"
)

// ErrAlreadyExpired is returned by Release (and by operations that check
// ownership mid-critical-section) when the lock's TTL lapsed before release,
// meaning another holder may already have acquired it. Per spec.md §4.2 this
// is never surfaced to the end user; callers must treat their mutation as
// not-applied and retry from a fresh read.
var ErrAlreadyExpired = errors.New("lock: already expired")

// ErrAcquireFailed is returned when all retries are exhausted without
// acquiring the lock.
var ErrAcquireFailed = errors.New("lock: acquire failed")

// Manager acquires and releases room-scoped distributed locks.
type Manager struct {
	store      *store.Client
	ttl        time.Duration
	retries    int
	baseBackoff time.Duration
}

// NewManager builds a lock Manager. ttl bounds how long a single holder may
// keep the lock before it is considered abandoned; retries/baseBackoff
// configure the bounded acquire loop (spec.md §4.2: "~20 attempts... small
// randomized backoff").
func NewManager(st *store.Client, ttl time.Duration, retries int, baseBackoff time.Duration) *Manager {
	return &Manager{store: st, ttl: ttl, retries: retries, baseBackoff: baseBackoff}
}

// Guard is returned by Acquire and must be passed to Release.
type Guard struct {
	key       string
	token     string
	acquiredAt time.Time
	ttl       time.Duration
}

// Expired reports whether the guard's TTL has elapsed, as a local hint only;
// the authoritative check happens in Release's atomic compare-and-delete.
func (g *Guard) Expired() bool {
	return time.Since(g.acquiredAt) > g.ttl
}

// Acquire blocks (bounded by m.retries) until the room's lock key is
// written with a fresh owner token, or returns ErrAcquireFailed. Acquire is
// not reentrant: acquiring twice from the same goroutine will deadlock
// against itself exactly like two independent callers.
func (m *Manager) Acquire(ctx context.Context, key string) (*Guard, error) {
	token := uuid.NewString()
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		ok, err := m.store.SetNX(ctx, key, token, m.ttl)
		if err != nil {
			lastErr = err
		} else if ok {
			metrics.LockAcquireDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			return &Guard{key: key, token: token, acquiredAt: time.Now(), ttl: m.ttl}, nil
		}

		backoff := m.baseBackoff + time.Duration(rand.Int63n(int64(m.baseBackoff)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	metrics.LockAcquireDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquireFailed, lastErr)
	}
	return nil, ErrAcquireFailed
}

// Release deletes the lock key iff it still holds this guard's token. It
// returns ErrAlreadyExpired if another holder has since taken the lock (TTL
// lapsed mid-critical-section); the caller must treat its work as undone.
func (m *Manager) Release(ctx context.Context, g *Guard) error {
	released, err := m.store.ReleaseOwnedKey(ctx, g.key, g.token)
	if err != nil {
		return err
	}
	if !released {
		return ErrAlreadyExpired
	}
	return nil
}

// WithLock acquires the lock for key, runs fn, and always releases
// afterward. If fn returns an error, Release is still attempted but the
// original error from fn takes precedence; an ErrAlreadyExpired from release
// is returned only when fn itself succeeded.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	g, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}

	fnErr := fn(ctx)
	relErr := m.Release(ctx, g)

	if fnErr != nil {
		return fnErr
	}
	return relErr
}
