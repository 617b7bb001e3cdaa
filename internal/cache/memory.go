package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Variantes en mémoire, utilisées en mode dev et dans les tests.

type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, held := l.locks[key]; held && l.now().Before(exp) {
		return nil, ErrLockHeld
	}
	exp := l.now().Add(ttl)
	l.locks[key] = exp

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.locks[key] == exp {
			delete(l.locks, key)
		}
	}, nil
}

type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]uuid.UUID)}
}

func (s *MemoryIdempotency) Reserve(_ context.Context, scope, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(scope, key)
	if existing, ok := s.keys[k]; ok {
		return existing, false, nil
	}
	s.keys[k] = id
	return id, true, nil
}

func (s *MemoryIdempotency) Forget(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, idemKey(scope, key))
	return nil
}

type window struct {
	count int64
	reset time.Time
}

type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: make(map[string]*window), now: time.Now}
}

func (r *MemoryRateLimiter) Allow(_ context.Context, key string, max int64, win time.Duration) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(win)}
		r.windows[key] = w
	}
	w.count++
	remaining := max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, w.count <= max, nil
}
