package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FlockGroup is a Group implementation backed by advisory file locks, so it
// provides mutual exclusion between processes sharing lockDir. Lock files are
// named after a hash of the key and are left in place after use.
type FlockGroup struct {
	lockDir string
	// mem serialises holders inside this process. flock locks are per file
	// descriptor and two descriptors in one process would not exclude each other
	// on every platform.
	mem *MemLock
}

// NewFlockGroup creates a FlockGroup storing lock files in lockDir.
func NewFlockGroup(lockDir string) (*FlockGroup, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{lockDir: lockDir, mem: NewMemLock()}, nil
}

func (g *FlockGroup) DoWithLock(key string, fn func() (any, error)) (v any, err error) {
	return g.mem.DoWithLock(key, func() (any, error) {
		fl := flock.New(g.lockPath(key))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		defer fl.Unlock()
		return fn()
	})
}

func (g *FlockGroup) TryDoWithLock(key string, fn func() (any, error)) (v any, err error) {
	return g.mem.TryDoWithLock(key, func() (any, error) {
		fl := flock.New(g.lockPath(key))
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if !locked {
			return nil, ErrLocked
		}
		defer fl.Unlock()
		return fn()
	})
}

func (g *FlockGroup) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.lockDir, hex.EncodeToString(sum[:])+".lock")
}
