// ABOUTME: Keyed mutex for callers that need one turn at a time per session
// ABOUTME: Lock waits respect context cancellation

package conversation

import (
	"context"
	"sync"
)

// SessionLocks serializes work per session id. The zero value is ready to use.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[int64]*sessionLock
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

// Lock blocks until the session's lock is held or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (l *SessionLocks) Lock(ctx context.Context, sessionID int64) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*sessionLock)
	}
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{sem: make(chan struct{}, 1)}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
		return func() {
			<-sl.sem
			l.release(sessionID, sl)
		}, nil
	case <-ctx.Done():
		l.release(sessionID, sl)
		return nil, ctx.Err()
	}
}

func (l *SessionLocks) release(sessionID int64, sl *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, sessionID)
	}
}

// held reports how many sessions currently have waiters or holders.
func (l *SessionLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
