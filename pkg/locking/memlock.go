package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. It only works within a single process and doesn't work if there are
// multiple processes saving to the same cache root concurrently. It's used for
// the serve mode of remote backends and in tests.
//
// A key's mutex lives only while some caller holds or waits for it, so a
// long-running serve process does not accumulate one entry per location.
type MemLock struct {
	sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int // callers holding or waiting; guarded by MemLock's mutex
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*keyLock),
	}
}

func (s *MemLock) acquire(key string) *keyLock {
	s.Lock()
	defer s.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{}
		s.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (s *MemLock) release(key string, lock *keyLock) {
	s.Lock()
	defer s.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
}

// size returns the number of keys currently tracked.
func (s *MemLock) size() int {
	s.Lock()
	defer s.Unlock()
	return len(s.locks)
}

func (s *MemLock) DoWithLock(key string, fn func() (any, error)) (v any, err error) {
	lock := s.acquire(key)
	defer s.release(key, lock)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return fn()
}

func (s *MemLock) TryDoWithLock(key string, fn func() (any, error)) (v any, err error) {
	lock := s.acquire(key)
	defer s.release(key, lock)
	if !lock.mu.TryLock() {
		return nil, ErrLocked
	}
	defer lock.mu.Unlock()
	return fn()
}
