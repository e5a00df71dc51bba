package backends

import (
	"context"
	"io"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Write stores an object with debug logging.
func (d *Debug) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	d.logger.Debug("write", "key", key, "size", size)

	if err := d.backend.Write(ctx, key, r, size); err != nil {
		d.logger.Debug("write failed", "key", key, "error", err)
		return err
	}

	d.logger.Debug("write stored", "key", key)
	return nil
}

// Open opens an object with debug logging.
func (d *Debug) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	d.logger.Debug("open", "key", key)

	rc, err := d.backend.Open(ctx, key)
	if err != nil {
		d.logger.Debug("open failed", "key", key, "error", err)
	}
	return rc, err
}

// Stat returns object metadata with debug logging.
func (d *Debug) Stat(ctx context.Context, key string) (Object, error) {
	obj, err := d.backend.Stat(ctx, key)
	if err != nil {
		d.logger.Debug("stat: MISS", "key", key, "error", err)
		return obj, err
	}

	d.logger.Debug("stat: HIT", "key", key, "size", obj.Size, "modTime", obj.ModTime)
	return obj, nil
}

// List lists objects with debug logging.
func (d *Debug) List(ctx context.Context, prefix string) ([]Object, error) {
	objects, err := d.backend.List(ctx, prefix)
	if err != nil {
		d.logger.Debug("list failed", "prefix", prefix, "error", err)
		return objects, err
	}

	d.logger.Debug("list", "prefix", prefix, "objects", len(objects))
	return objects, nil
}

// Delete removes an object with debug logging.
func (d *Debug) Delete(ctx context.Context, key string) error {
	d.logger.Debug("delete", "key", key)

	err := d.backend.Delete(ctx, key)
	if err != nil {
		d.logger.Debug("delete failed", "key", key, "error", err)
	}
	return err
}

// Clear removes all objects under prefix with debug logging.
func (d *Debug) Clear(ctx context.Context, prefix string) error {
	d.logger.Debug("clear", "prefix", prefix)

	if err := d.backend.Clear(ctx, prefix); err != nil {
		d.logger.Debug("clear failed", "prefix", prefix, "error", err)
		return err
	}

	d.logger.Debug("clear: cache cleared successfully", "prefix", prefix)
	return nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("close: closing backend")

	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed", "error", err)
	}
	return err
}
