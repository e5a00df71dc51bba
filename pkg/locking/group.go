package locking

import "errors"

// ErrLocked is returned by TryDoWithLock when another holder owns the key.
var ErrLocked = errors.New("key is locked by another holder")

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key,
	// waiting for any current holder to finish.
	DoWithLock(key string, fn func() (any, error)) (v any, err error)

	// TryDoWithLock runs the given function with mutual exclusion over the given
	// key, or returns ErrLocked without running it if the key is already held.
	TryDoWithLock(key string, fn func() (any, error)) (v any, err error)
}
