package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tmpPrefix marks in-flight writes. List skips them so a partially written
// archive is never observed.
const tmpPrefix = ".upload-"

// Local stores objects as files under a root directory.
type Local struct {
	root   string // Absolute path to the backend root
	logger *slog.Logger
}

// NewLocal creates a local backend rooted at dir. The directory is created
// lazily by the first write so that restores against a missing root are
// plain misses.
func NewLocal(dir string, logger *slog.Logger) (*Local, error) {
	if dir == "" {
		return nil, errors.New("local backend root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{root: abs, logger: logger}, nil
}

// Root returns the absolute backend root directory.
func (l *Local) Root() string {
	return l.root
}

// Write atomically writes the object by writing to a temp file in the
// destination directory and renaming it into place.
func (l *Local) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	diskPath, err := l.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(diskPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	n, err := io.Copy(tmpFile, &ctxReader{ctx: ctx, r: r})
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short write: expected %d bytes, wrote %d", size, n)
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return fmt.Errorf("failed to rename object: %w", err)
	}
	return nil
}

func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	diskPath, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(diskPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) Stat(ctx context.Context, key string) (Object, error) {
	diskPath, err := l.path(key)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(diskPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}
	if info.IsDir() {
		return Object{}, ErrNotFound
	}
	return Object{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List reads the directory holding the last prefix segment and walks every
// child whose name starts with that segment.
func (l *Local) List(ctx context.Context, prefix string) ([]Object, error) {
	parentKey, namePrefix := "", prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		parentKey, namePrefix = prefix[:i], prefix[i+1:]
	}
	parent, err := l.path(parentKey)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", parentKey, err)
	}

	var objects []Object
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), namePrefix) || strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}
		err := filepath.WalkDir(filepath.Join(parent, entry.Name()), func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// Removed by a concurrent writer.
					return nil
				}
				return err
			}
			rel, err := filepath.Rel(l.root, p)
			if err != nil {
				return err
			}
			objects = append(objects, Object{
				Key:     filepath.ToSlash(rel),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
	}
	return objects, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	diskPath, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(diskPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Clear(ctx context.Context, prefix string) error {
	diskPath, err := l.path(prefix)
	if err != nil {
		return err
	}
	if diskPath == l.root {
		entries, err := os.ReadDir(l.root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
			}
		}
	} else if err := os.RemoveAll(diskPath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", prefix, err)
	}
	l.logger.Info("cleared local cache", "root", l.root, "prefix", prefix)
	return nil
}

func (l *Local) Close() error {
	return nil
}

// path converts an object key to a path on disk. Keys must already be clean:
// a key that filepath.Join would rewrite could alias another object.
func (l *Local) path(key string) (string, error) {
	if key != "" && path.Clean(key) != key {
		return "", fmt.Errorf("invalid object key %q: not in canonical form", key)
	}
	p := filepath.Join(l.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.root, p)
	if err != nil {
		return "", fmt.Errorf("invalid object key %q: %w", key, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q: escapes backend root", key)
	}
	return p, nil
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
