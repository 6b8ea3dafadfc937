package lock

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.uber.org/zap"
)

type lockState struct {
	token    string
	timer    *time.Timer
	released chan struct{}
}

// InMemory implements Backend using local memory. It coordinates goroutines
// of a single process; share one InMemory between every engine in the
// process. Leases are enforced with timers.
type InMemory struct {
	mu     sync.Mutex
	locks  map[string]*lockState
	logger *zap.Logger
}

// NewInMemory returns a new in-memory lock backend.
func NewInMemory(logger *zap.Logger) *InMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemory{locks: make(map[string]*lockState), logger: logger}
}

// tryAcquire takes the lock if free. Otherwise it returns the channel closed
// on the current holder's release.
func (l *InMemory) tryAcquire(key, token string, lease time.Duration) (bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.locks[key]; ok {
		return false, st.released
	}
	st := &lockState{token: token, released: make(chan struct{})}
	if lease > 0 {
		st.timer = time.AfterFunc(lease, func() {
			if l.releaseToken(key, token) {
				l.logger.Debug("lock lease expired", zap.String("key", key))
			}
		})
	}
	l.locks[key] = st
	return true, nil
}

// releaseToken frees key if it is still held with token.
func (l *InMemory) releaseToken(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.released)
	delete(l.locks, key)
	return true
}

// TryLock implements Backend.TryLock.
func (l *InMemory) TryLock(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, acquisitionError(key, err)
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, acquisitionError(key, err)
		}
		// The lease timer starts inside tryAcquire, so the handle deadline
		// is taken from a clock read made before it.
		at := time.Now()
		ok, released := l.tryAcquire(key, token, lease)
		if ok {
			return &Handle{key: key, token: token, acquiredAt: at, lease: lease}, nil
		}
		if wait <= 0 {
			return nil, acquisitionError(key, nil)
		}
		select {
		case <-released:
		case <-deadline.C:
			return nil, acquisitionError(key, nil)
		case <-ctx.Done():
			return nil, acquisitionError(key, ctx.Err())
		}
	}
}

// Unlock implements Backend.Unlock.
func (l *InMemory) Unlock(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	if !l.releaseToken(h.key, h.token) {
		return ErrNotHeld
	}
	return nil
}

// IsLocked implements Backend.IsLocked.
func (l *InMemory) IsLocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	_, ok := l.locks[key]
	l.mu.Unlock()
	return ok, nil
}

// ForceUnlock implements Backend.ForceUnlock.
func (l *InMemory) ForceUnlock(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if l.releaseToken(key, st.token) {
		l.logger.Warn("force unlocked key", zap.String("key", key))
	}
	return nil
}
