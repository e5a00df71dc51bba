// Package cache saves and restores path sets under cache keys.
//
// Save and Restore never fail a build because the cache misbehaved: only
// malformed input (*keys.ValidationError) and, for Save, path patterns that
// match nothing (*PathError) are returned as errors. Every other failure is
// logged as a warning and turned into FailedEntryID or an empty restore key.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/richardartoul/artifactcache/backends"
	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/index"
	"github.com/richardartoul/artifactcache/pkg/keys"
	"github.com/richardartoul/artifactcache/pkg/layout"
	"github.com/richardartoul/artifactcache/pkg/locking"
	"github.com/richardartoul/artifactcache/pkg/metrics"
)

// EntryID identifies a saved entry. It is stable for a given storage location.
type EntryID int64

// FailedEntryID is returned by Save when the entry could not be stored.
const FailedEntryID EntryID = -1

// Outcome counters recorded on the metrics tracker.
const (
	CounterSaveSuccess   = "save_success"
	CounterSaveFailed    = "save_failed"
	CounterSaveReserved  = "save_reserved"
	CounterRestoreHit    = "restore_hit"
	CounterRestoreMiss   = "restore_miss"
	CounterRestoreFailed = "restore_failed"
)

// Archiver packages and unpacks cache archives.
type Archiver interface {
	Create(ctx context.Context, dir, workdir string, paths []string, m archive.Method) (string, error)
	Extract(ctx context.Context, archivePath, workdir string, paths []string, m archive.Method) error
	List(ctx context.Context, archivePath string, m archive.Method) ([]string, error)
}

type tarArchiver struct{}

func (tarArchiver) Create(ctx context.Context, dir, workdir string, paths []string, m archive.Method) (string, error) {
	return archive.Create(ctx, dir, workdir, paths, m)
}

func (tarArchiver) Extract(ctx context.Context, archivePath, workdir string, paths []string, m archive.Method) error {
	return archive.Extract(ctx, archivePath, workdir, paths, m)
}

func (tarArchiver) List(ctx context.Context, archivePath string, m archive.Method) ([]string, error) {
	return archive.List(ctx, archivePath, m)
}

// Store saves and restores cache entries in a backend. A Store keeps no state
// between calls besides its collaborators; every call recomputes fingerprints
// and re-lists the backend.
type Store struct {
	backend    backends.Backend
	layout     layout.Layout
	index      *index.Index
	archiver   Archiver
	locks      locking.Group
	metrics    *metrics.LatencyTracker
	logger     *slog.Logger
	workdir    string
	stagingDir string
}

// New creates a Store. Relative paths given to Save and Restore are resolved
// against workdir, and restored archives are unpacked there.
func New(backend backends.Backend, l layout.Layout, workdir string, opts ...Option) (*Store, error) {
	if workdir == "" {
		return nil, errors.New("working directory is empty")
	}
	absWorkdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	s := &Store{
		backend:  backend,
		layout:   l,
		archiver: tarArchiver{},
		locks:    locking.NewNoOpGroup(),
		metrics:  metrics.NewLatencyTracker(0.01),
		logger:   slog.Default(),
		workdir:  absWorkdir,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.index = index.New(backend, l, s.logger)
	return s, nil
}

// Metrics returns the latency tracker the store records into.
func (s *Store) Metrics() *metrics.LatencyTracker {
	return s.metrics
}

// Save archives the paths matched by the given patterns and stores them under
// key. It returns a positive EntryID on success and FailedEntryID when the
// cache could not be written.
func (s *Store) Save(ctx context.Context, paths []string, key string, opts SaveOptions) (EntryID, error) {
	defer s.metrics.Start(metrics.OpSave)()

	if err := keys.CheckPaths(paths); err != nil {
		s.logger.Error("invalid save request", "error", err)
		return FailedEntryID, err
	}
	if err := keys.CheckKey(key); err != nil {
		s.logger.Error("invalid save request", "error", err)
		return FailedEntryID, err
	}

	resolved, err := archive.ResolvePaths(s.workdir, paths)
	if err != nil {
		return FailedEntryID, &PathError{Patterns: paths, Err: err}
	}
	if len(resolved) == 0 {
		return FailedEntryID, &PathError{Patterns: paths}
	}
	s.logger.Debug("resolved cache paths", "paths", resolved)

	prefix := s.layout.Prefix(paths, opts.Compression, opts.EnableCrossOSArchive)
	location := s.layout.Location(prefix, key)

	_, err = s.locks.TryDoWithLock(location, func() (any, error) {
		return nil, s.save(ctx, resolved, location, opts.Compression)
	})
	if errors.Is(err, locking.ErrLocked) {
		err = &ReserveError{Key: key}
	}
	if err != nil {
		switch Classify(err) {
		case KindValidation, KindPath:
			s.logger.Error("failed to save cache", "key", key, "error", err)
			return FailedEntryID, err
		case KindReserve:
			s.logger.Info("failed to save cache", "key", key, "error", err)
			s.metrics.Inc(CounterSaveReserved)
		default:
			s.logger.Warn("failed to save cache", "key", key, "error", err)
			s.metrics.Inc(CounterSaveFailed)
		}
		return FailedEntryID, nil
	}

	s.metrics.Inc(CounterSaveSuccess)
	s.logger.Info("cache saved", "key", key, "location", location)
	return entryID(location), nil
}

func (s *Store) save(ctx context.Context, resolved []string, location string, method archive.Method) error {
	staging, err := os.MkdirTemp(s.stagingDir, "artifactcache-save-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer s.cleanup(staging)

	var archivePath string
	err = s.metrics.RecordFunc(metrics.OpArchiveCreate, func() error {
		var err error
		archivePath, err = s.archiver.Create(ctx, staging, s.workdir, resolved, method)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	size, err := archive.FileSize(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	s.logger.Info("cache archive created", "size", size, "sizeMB", fmt.Sprintf("%.2f", float64(size)/(1<<20)))

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	return s.metrics.RecordFunc(metrics.OpBackendWrite, func() error {
		if err := s.backend.Write(ctx, layout.ArchivePath(location, method), f, size); err != nil {
			return fmt.Errorf("failed to upload archive: %w", err)
		}
		return nil
	})
}

// Restore unpacks the best matching entry for primaryKey, falling back to
// opts.RestoreKeys in order. It returns the key of the restored entry, or ""
// when nothing matched or the cache could not be read.
func (s *Store) Restore(ctx context.Context, paths []string, primaryKey string, opts RestoreOptions) (string, error) {
	defer s.metrics.Start(metrics.OpRestore)()

	if err := keys.CheckPaths(paths); err != nil {
		s.logger.Error("invalid restore request", "error", err)
		return "", err
	}
	keyList, err := keys.CheckKeyList(primaryKey, opts.RestoreKeys)
	if err != nil {
		s.logger.Error("invalid restore request", "error", err)
		return "", err
	}

	matched, err := s.restore(ctx, paths, keyList, opts)
	if err != nil {
		switch {
		case Classify(err) == KindValidation:
			s.logger.Error("failed to restore cache", "key", primaryKey, "error", err)
			return "", err
		case errors.Is(err, errNotFound):
			s.logger.Info("cache not found for input keys", "keys", keyList)
			s.metrics.Inc(CounterRestoreMiss)
		default:
			s.logger.Warn("failed to restore cache", "key", primaryKey, "error", err)
			s.metrics.Inc(CounterRestoreFailed)
		}
		return "", nil
	}

	s.metrics.Inc(CounterRestoreHit)
	return matched, nil
}

func (s *Store) restore(ctx context.Context, paths, keyList []string, opts RestoreOptions) (string, error) {
	prefix := s.layout.Prefix(paths, opts.Compression, opts.EnableCrossOSArchive)
	fileName := archive.CacheFileName(opts.Compression)

	var entry *index.Entry
	func() {
		defer s.metrics.Start(metrics.OpLookup)()
		entry = s.index.FindBestMatch(ctx, keyList, prefix, fileName)
	}()
	if entry == nil {
		return "", errNotFound
	}

	if opts.LookupOnly {
		s.logger.Info("cache found", "key", entry.Key, "exactMatch", entry.Key == keyList[0])
		return entry.Key, nil
	}

	staging, err := os.MkdirTemp(s.stagingDir, "artifactcache-restore-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer s.cleanup(staging)

	archivePath := filepath.Join(staging, fileName)
	err = s.metrics.RecordFunc(metrics.OpBackendRead, func() error {
		return s.download(ctx, entry.ArchiveKey, archivePath)
	})
	if err != nil {
		return "", err
	}

	size, err := archive.FileSize(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	s.logger.Info("cache size", "size", size, "sizeMB", fmt.Sprintf("%.2f", float64(size)/(1<<20)))

	if s.logger.Enabled(ctx, slog.LevelDebug) {
		if names, err := s.archiver.List(ctx, archivePath, opts.Compression); err != nil {
			s.logger.Debug("failed to list archive", "error", err)
		} else {
			s.logger.Debug("archive contents", "entries", names)
		}
	}

	err = s.metrics.RecordFunc(metrics.OpArchiveUnpack, func() error {
		return s.archiver.Extract(ctx, archivePath, s.workdir, paths, opts.Compression)
	})
	if err != nil {
		return "", fmt.Errorf("failed to extract archive: %w", err)
	}

	s.logger.Info("cache restored from key", "key", entry.Key, "exactMatch", entry.Key == keyList[0])
	return entry.Key, nil
}

// Delete removes the entry stored under exactly key for the given paths and
// options. It waits for an in-flight save of the same location to finish
// first, and reports whether an entry was removed. Unlike Save and Restore,
// backend failures are returned: Delete is an explicit maintenance action.
func (s *Store) Delete(ctx context.Context, paths []string, key string, opts SaveOptions) (bool, error) {
	if err := keys.CheckPaths(paths); err != nil {
		return false, err
	}
	if err := keys.CheckKey(key); err != nil {
		return false, err
	}

	prefix := s.layout.Prefix(paths, opts.Compression, opts.EnableCrossOSArchive)
	location := s.layout.Location(prefix, key)
	archiveKey := layout.ArchivePath(location, opts.Compression)

	v, err := s.locks.DoWithLock(location, func() (any, error) {
		if _, err := s.backend.Stat(ctx, archiveKey); err != nil {
			if errors.Is(err, backends.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("failed to stat %s: %w", archiveKey, err)
		}
		if err := s.backend.Delete(ctx, archiveKey); err != nil {
			return false, fmt.Errorf("failed to delete %s: %w", archiveKey, err)
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	deleted := v.(bool)
	if deleted {
		s.logger.Info("cache entry deleted", "key", key, "location", location)
	} else {
		s.logger.Info("no cache entry to delete", "key", key, "location", location)
	}
	return deleted, nil
}

func (s *Store) download(ctx context.Context, archiveKey, dest string) error {
	rc, err := s.backend.Open(ctx, archiveKey)
	if err != nil {
		if errors.Is(err, backends.ErrNotFound) {
			// Removed between listing and download.
			return errNotFound
		}
		return fmt.Errorf("failed to download archive: %w", err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	_, err = io.Copy(f, rc)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close staging file: %w", closeErr)
	}
	return nil
}

// cleanup removes a staging directory: the manifest first, then everything
// else. Failures are only logged.
func (s *Store) cleanup(staging string) {
	manifest := filepath.Join(staging, archive.ManifestFileName)
	if err := os.Remove(manifest); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("failed to delete manifest", "path", manifest, "error", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		s.logger.Debug("failed to delete staging directory", "path", staging, "error", err)
	}
}

func entryID(location string) EntryID {
	sum := sha256.Sum256([]byte(location))
	id := EntryID(binary.BigEndian.Uint64(sum[:8]) >> 1)
	if id == 0 {
		id = 1
	}
	return id
}
