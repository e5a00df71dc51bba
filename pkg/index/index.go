// Package index finds the stored entry that best matches a restore request.
//
// Each key in a restore request is matched as a prefix against the entry
// names stored under the request's fingerprint prefix. Keys are tried in
// order and the first key with any match wins; lower priority keys are not
// consulted after that.
package index

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/richardartoul/artifactcache/backends"
	"github.com/richardartoul/artifactcache/pkg/layout"
)

// Entry is a stored cache entry selected for a restore.
type Entry struct {
	// Key is the stored entry's key. It equals the requested key on an exact
	// match and starts with it on a prefix match.
	Key string
	// Location is the entry directory, ArchiveKey the archive object in it.
	Location   string
	ArchiveKey string
	Size       int64
	ModTime    time.Time
}

// ScanResult is the outcome of scanning one key: Found, Empty or Unreadable.
type ScanResult interface {
	scanResult()
}

// Found carries the entry selected for a key.
type Found struct {
	Entry Entry
}

// Empty means the key matched no stored entry.
type Empty struct{}

// Unreadable means the backend could not be listed for the key.
type Unreadable struct {
	Err error
}

func (Found) scanResult()      {}
func (Empty) scanResult()      {}
func (Unreadable) scanResult() {}

// Index scans a backend laid out by a layout.Layout.
type Index struct {
	backend backends.Backend
	layout  layout.Layout
	logger  *slog.Logger
}

// New creates an Index.
func New(backend backends.Backend, l layout.Layout, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{backend: backend, layout: l, logger: logger}
}

// Scan lists the archives stored under prefix whose entry name starts with
// key. An entry named exactly key is preferred; otherwise the most recently
// modified entry is chosen, ties going to the lexically greatest name.
func (ix *Index) Scan(ctx context.Context, prefix, key, fileName string) ScanResult {
	// An exact entry always wins, so a single Stat settles the common case
	// without listing every sibling.
	location := ix.layout.Location(prefix, key)
	archiveKey := location + "/" + fileName
	obj, err := ix.backend.Stat(ctx, archiveKey)
	if err == nil {
		return Found{Entry: Entry{
			Key:        key,
			Location:   location,
			ArchiveKey: archiveKey,
			Size:       obj.Size,
			ModTime:    obj.ModTime,
		}}
	}
	if !errors.Is(err, backends.ErrNotFound) {
		ix.logger.Debug("unable to stat exact cache entry", "key", archiveKey, "error", err)
	}

	objects, err := ix.backend.List(ctx, location)
	if err != nil {
		return Unreadable{Err: err}
	}

	var (
		best  Entry
		found bool
	)
	for _, obj := range objects {
		name, ok := ix.layout.EntryName(prefix, obj.Key, fileName)
		if !ok || !strings.HasPrefix(name, key) {
			continue
		}
		candidate := Entry{
			Key:        name,
			Location:   ix.layout.Location(prefix, name),
			ArchiveKey: obj.Key,
			Size:       obj.Size,
			ModTime:    obj.ModTime,
		}
		if !found || better(candidate, best, key) {
			best, found = candidate, true
		}
	}
	if !found {
		return Empty{}
	}
	return Found{Entry: best}
}

func better(a, b Entry, key string) bool {
	if (a.Key == key) != (b.Key == key) {
		return a.Key == key
	}
	if !a.ModTime.Equal(b.ModTime) {
		return a.ModTime.After(b.ModTime)
	}
	return a.Key > b.Key
}

// FindBestMatch scans keys in order and returns the entry for the first key
// with a match, or nil if none matches. Listing failures count as a miss for
// that key.
func (ix *Index) FindBestMatch(ctx context.Context, keys []string, prefix, fileName string) *Entry {
	for _, key := range keys {
		switch res := ix.Scan(ctx, prefix, key, fileName).(type) {
		case Found:
			ix.logger.Debug("cache key matched", "key", key, "entry", res.Entry.Key, "modTime", res.Entry.ModTime)
			return &res.Entry
		case Unreadable:
			ix.logger.Debug("unable to list cache entries", "key", key, "prefix", prefix, "error", res.Err)
		case Empty:
			ix.logger.Debug("no cache entries for key", "key", key, "prefix", prefix)
		}
	}
	return nil
}
