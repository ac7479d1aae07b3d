package queue

import "sync"

// sessionLocks serializes mutations of a single session's request set.
// Operations on different sessions proceed independently.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[uint]*sync.Mutex)}
}

// acquire locks the mutex for the session and returns its unlock func.
func (l *sessionLocks) acquire(sessionID uint) func() {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// forget drops the lock entry for an archived session.
func (l *sessionLocks) forget(sessionID uint) {
	l.mu.Lock()
	delete(l.locks, sessionID)
	l.mu.Unlock()
}
