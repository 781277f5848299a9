package concurrency

import "sync"

// UserLocks serializes request handling per user_id. Responses within one
// user session come back in request order; distinct users run concurrently.
type UserLocks struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*sync.Mutex)}
}

func (m *UserLocks) Lock(userID string) {
	m.mu.Lock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *UserLocks) Unlock(userID string) {
	m.mu.Lock()
	lock, ok := m.locks[userID]
	m.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}
