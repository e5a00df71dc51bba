// Package backends stores cache archives. Local keeps them on disk, S3 in a
// bucket, and Debug logs every call of another backend.
package backends

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Object describes one stored object.
type Object struct {
	// Key is the slash-separated object key relative to the backend root.
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend defines the interface for cache storage backends.
//
// Objects are addressed by slash-separated keys. Implementations can be
// swapped to use different storage mechanisms and must be safe for concurrent
// use. There is no locking at this layer: two writers of the same key race
// and the last completed write wins.
type Backend interface {
	// Write stores size bytes from r at key, creating any intermediate
	// directories. An existing object is replaced.
	Write(ctx context.Context, key string, r io.Reader, size int64) error

	// Open returns a reader for the object at key or ErrNotFound.
	// The caller must close the returned ReadCloser.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns metadata for the object at key or ErrNotFound.
	Stat(ctx context.Context, key string) (Object, error)

	// List returns every object whose key starts with prefix. The prefix is
	// matched as a string, so "a/b" matches both "a/b/x" and "a/bc/x".
	// A prefix with no objects yields an empty result, not an error.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every object under prefix.
	Clear(ctx context.Context, prefix string) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}
