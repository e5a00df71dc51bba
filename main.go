// Command artifactcache saves and restores build artifacts under cache keys.
//
// Usage:
//
//	artifactcache save    -path node_modules -key linux-deps-<hash>
//	artifactcache restore -path node_modules -key linux-deps-<hash> -restore-key linux-deps-
//	artifactcache serve   # JSON-lines save/restore requests on stdin
//	artifactcache clear   # remove every entry of the configured repository
//	artifactcache clear   -path node_modules -key linux-deps-<hash>
//
// Configuration comes from ARTIFACTCACHE_* environment variables and an
// optional -config file; see pkg/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/richardartoul/artifactcache/backends"
	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/cache"
	"github.com/richardartoul/artifactcache/pkg/config"
	"github.com/richardartoul/artifactcache/pkg/layout"
	"github.com/richardartoul/artifactcache/pkg/locking"
	"github.com/richardartoul/artifactcache/pkg/metrics"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath  string
	compression string
	crossOS     bool
	debug       bool
	stats       bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to a config file (yaml, toml or json)")
	fs.StringVar(&c.compression, "compression", "", "Override the configured compression: gzip, zstd-without-long or zstd")
	fs.BoolVar(&c.crossOS, "cross-os", false, "Allow archives to be shared between Windows and other platforms")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&c.stats, "stats", false, "Print latency statistics on exit")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "save":
		err = runSave(ctx, os.Args[2:])
	case "restore":
		err = runRestore(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "clear":
		err = runClear(ctx, os.Args[2:])
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: artifactcache <command> [flags]

Commands:
  save      Archive paths and store them under a key
  restore   Restore the best matching entry for a key and fallback keys
  serve     Answer JSON-lines save/restore requests on stdin
  clear     Remove all cache entries of the configured repository, or
            one entry with -path and -key

Run "artifactcache <command> -h" for command flags.`)
}

// errCacheMiss is returned by restore when -fail-on-cache-miss is set.
type errCacheMiss struct {
	keys []string
}

func (e errCacheMiss) Error() string {
	return fmt.Sprintf("failed to restore cache entry, exiting as fail-on-cache-miss is set. Input keys: %s", strings.Join(e.keys, ", "))
}

func runSave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	var (
		common commonFlags
		paths  stringList
		key    string
	)
	common.register(fs)
	fs.Var(&paths, "path", "Path pattern to cache (repeatable)")
	fs.StringVar(&key, "key", "", "Cache key")
	fs.Parse(args)

	a, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.store.Save(ctx, paths, key, cache.SaveOptions{
		Compression:          a.method,
		EnableCrossOSArchive: a.crossOS,
	})
	if err != nil {
		return err
	}
	fmt.Printf("cache-id=%d\n", id)
	return nil
}

func runRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	var (
		common          commonFlags
		paths           stringList
		restoreKeys     stringList
		key             string
		lookupOnly      bool
		failOnCacheMiss bool
	)
	common.register(fs)
	fs.Var(&paths, "path", "Path pattern to restore (repeatable)")
	fs.StringVar(&key, "key", "", "Primary cache key")
	fs.Var(&restoreKeys, "restore-key", "Fallback key prefix, in priority order (repeatable)")
	fs.BoolVar(&lookupOnly, "lookup-only", false, "Check whether a matching entry exists without downloading it")
	fs.BoolVar(&failOnCacheMiss, "fail-on-cache-miss", false, "Exit with an error when no entry matches")
	fs.Parse(args)

	a, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer a.close()

	matched, err := a.store.Restore(ctx, paths, key, cache.RestoreOptions{
		RestoreKeys:          restoreKeys,
		Compression:          a.method,
		EnableCrossOSArchive: a.crossOS,
		LookupOnly:           lookupOnly,
	})
	if err != nil {
		return err
	}

	fmt.Printf("cache-hit=%t\n", matched != "" && matched == key)
	fmt.Printf("cache-matched-key=%s\n", matched)
	if matched == "" && failOnCacheMiss {
		return errCacheMiss{keys: append([]string{key}, restoreKeys...)}
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	a, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer a.close()

	return NewServer(a.store, a.method, a.crossOS, os.Stdin, os.Stdout).Run(ctx)
}

func runClear(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	var (
		common commonFlags
		paths  stringList
		key    string
	)
	common.register(fs)
	fs.Var(&paths, "path", "Path pattern of the entry to delete (repeatable, requires -key)")
	fs.StringVar(&key, "key", "", "Delete only the entry stored under exactly this key")
	fs.Parse(args)

	a, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer a.close()

	if key == "" {
		if len(paths) > 0 {
			return fmt.Errorf("-path requires -key")
		}
		prefix := a.layout.Location(layout.Namespace+"/"+a.layout.Repository, "")
		return a.backend.Clear(ctx, prefix)
	}

	deleted, err := a.store.Delete(ctx, paths, key, cache.SaveOptions{
		Compression:          a.method,
		EnableCrossOSArchive: a.crossOS,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deleted=%t\n", deleted)
	return nil
}

// app bundles what a subcommand needs, built once from configuration.
type app struct {
	backend backends.Backend
	layout  layout.Layout
	store   *cache.Store
	method  archive.Method
	crossOS bool
	logger  *slog.Logger
	tracker *metrics.LatencyTracker
	stats   bool
}

func setup(ctx context.Context, common commonFlags) (*app, error) {
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return nil, err
	}
	if common.compression != "" {
		cfg.Compression = common.compression
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	level := slog.LevelInfo
	if cfg.Debug || common.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend, l, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if level == slog.LevelDebug {
		backend = backends.NewDebug(backend, logger)
	}

	locks, err := newLockGroup(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}

	tracker := metrics.NewLatencyTracker(0.01)
	store, err := cache.New(backend, l, cfg.WorkDir,
		cache.WithLogger(logger),
		cache.WithLocks(locks),
		cache.WithMetrics(tracker),
	)
	if err != nil {
		backend.Close()
		return nil, err
	}

	logger.Debug("configured cache",
		"backend", cfg.Backend,
		"root", cfg.Root,
		"s3_prefix", cfg.S3Prefix,
		"repository", cfg.Repository,
		"compression", cfg.Method().String(),
	)

	return &app{
		backend: backend,
		layout:  l,
		store:   store,
		method:  cfg.Method(),
		crossOS: cfg.CrossOS || common.crossOS,
		logger:  logger,
		tracker: tracker,
		stats:   common.stats,
	}, nil
}

func (a *app) close() {
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("failed to close backend", "error", err)
	}
	if !a.stats {
		return
	}
	fmt.Fprintln(os.Stderr, "Latency statistics:")
	for _, s := range a.tracker.GetAllStats() {
		fmt.Fprintln(os.Stderr, s.String())
	}
	for name, count := range a.tracker.Counters() {
		fmt.Fprintf(os.Stderr, "  %s: %d\n", name, count)
	}
}

// newBackend builds the configured backend and the layout matching it. The
// local backend is rooted at the cache directory, so its layout root is empty;
// the s3 backend is rooted at the bucket and uses S3Prefix as a key prefix.
func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backends.Backend, layout.Layout, error) {
	l := layout.Layout{Repository: cfg.Repository}
	switch cfg.Backend {
	case config.BackendS3:
		b, err := backends.NewS3(ctx, backends.S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		}, logger)
		if err != nil {
			return nil, l, err
		}
		l.Root = cfg.S3Prefix
		return b, l, nil
	default:
		b, err := backends.NewLocal(cfg.Root, logger)
		if err != nil {
			return nil, l, err
		}
		return b, l, nil
	}
}

// newLockGroup reserves keys with file locks when a lock directory is
// configured or the cache lives on the local disk, and in memory otherwise.
func newLockGroup(cfg *config.Config) (locking.Group, error) {
	lockDir := cfg.LockDir
	if lockDir == "" && cfg.Backend == config.BackendLocal {
		lockDir = filepath.Join(cfg.Root, ".locks")
	}
	if lockDir == "" {
		return locking.NewMemLock(), nil
	}
	return locking.NewFlockGroup(lockDir)
}
