package cache

import (
	"log/slog"

	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/locking"
	"github.com/richardartoul/artifactcache/pkg/metrics"
)

// SaveOptions configures a single Save.
type SaveOptions struct {
	Compression          archive.Method
	EnableCrossOSArchive bool
}

// RestoreOptions configures a single Restore.
type RestoreOptions struct {
	// RestoreKeys are tried in order as prefixes when the primary key misses.
	RestoreKeys          []string
	Compression          archive.Method
	EnableCrossOSArchive bool
	// LookupOnly resolves the matching key without downloading the archive.
	LookupOnly bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLocks sets the lock group used to reserve keys during Save.
// Defaults to a no-op group.
func WithLocks(g locking.Group) Option {
	return func(s *Store) {
		s.locks = g
	}
}

// WithMetrics sets the latency tracker. Defaults to a private tracker.
func WithMetrics(m *metrics.LatencyTracker) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithArchiver replaces the archive codec.
func WithArchiver(a Archiver) Option {
	return func(s *Store) {
		s.archiver = a
	}
}

// WithStagingDir sets where archives are staged before upload and after
// download. Defaults to os.TempDir().
func WithStagingDir(dir string) Option {
	return func(s *Store) {
		s.stagingDir = dir
	}
}
