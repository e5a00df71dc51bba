package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Create packages paths (relative to workdir, as returned by ResolvePaths)
// into dir/CacheFileName(m). A manifest listing the archived paths is written
// alongside it. Returns the archive path.
func Create(ctx context.Context, dir, workdir string, paths []string, m Method) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	manifest := strings.Join(paths, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	archivePath := filepath.Join(dir, CacheFileName(m))
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	cw, err := newCompressor(f, m)
	if err != nil {
		return "", err
	}
	tw := tar.NewWriter(cw)

	for _, rel := range paths {
		root := filepath.Join(workdir, filepath.FromSlash(rel))
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return addEntry(tw, workdir, p)
		})
		if err != nil {
			cw.Close()
			return "", fmt.Errorf("failed to archive %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		cw.Close()
		return "", fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	return archivePath, nil
}

func addEntry(tw *tar.Writer, workdir, name string) error {
	info, err := os.Lstat(name)
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(name); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(workdir, name)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	// Owner names are host specific and not restored.
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// ErrUnsafeEntry is returned by Extract for an entry that would be written
// outside the locations the archive is allowed to populate.
var ErrUnsafeEntry = errors.New("unsafe archive entry")

// Extract unpacks the archive at archivePath into workdir. patterns are the
// path patterns the entry was saved for: entries may leave workdir only
// under a path one of them names. No entry is written through a symlink
// unpacked earlier from the same archive.
func Extract(ctx context.Context, archivePath, workdir string, patterns []string, m Method) error {
	allowed, err := relativePatterns(workdir, patterns)
	if err != nil {
		return err
	}
	x := &extractor{
		workdir: workdir,
		allowed: allowed,
		links:   make(map[string]struct{}),
	}
	return walkArchive(archivePath, m, func(tr *tar.Reader, hdr *tar.Header) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return x.extract(tr, hdr)
	})
}

// List returns the entry names stored in the archive at archivePath.
func List(ctx context.Context, archivePath string, m Method) ([]string, error) {
	var names []string
	err := walkArchive(archivePath, m, func(_ *tar.Reader, hdr *tar.Header) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		names = append(names, hdr.Name)
		return nil
	})
	return names, err
}

// FileSize returns the size in bytes of the named file.
func FileSize(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func walkArchive(archivePath string, m Method, fn func(*tar.Reader, *tar.Header) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	dr, err := newDecompressor(f, m)
	if err != nil {
		return err
	}
	defer dr.Close()

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if err := fn(tr, hdr); err != nil {
			return err
		}
	}
}

type extractor struct {
	workdir string
	// allowed are slash-separated patterns relative to workdir.
	allowed []string
	// links holds the cleaned names of symlinks extracted so far.
	links map[string]struct{}
}

// check returns the cleaned entry name, or an error wrapping ErrUnsafeEntry
// if the entry must not be written.
func (x *extractor) check(name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafeEntry, name)
	}

	clean := path.Clean(name)
	segments := strings.Split(clean, "/")
	for i := 1; i < len(segments); i++ {
		parent := strings.Join(segments[:i], "/")
		if _, ok := x.links[parent]; ok {
			return "", fmt.Errorf("%w: %q resolves through symlink %s", ErrUnsafeEntry, name, parent)
		}
	}

	if (clean == ".." || strings.HasPrefix(clean, "../")) && !x.covered(segments) {
		return "", fmt.Errorf("%w: %q is outside the working directory", ErrUnsafeEntry, name)
	}
	return clean, nil
}

// covered reports whether the entry, or one of its parents, matches an
// allowed pattern.
func (x *extractor) covered(segments []string) bool {
	for i := 1; i <= len(segments); i++ {
		prefix := strings.Join(segments[:i], "/")
		for _, pattern := range x.allowed {
			if ok, _ := path.Match(pattern, prefix); ok {
				return true
			}
		}
	}
	return false
}

func (x *extractor) extract(tr *tar.Reader, hdr *tar.Header) error {
	name, err := x.check(hdr.Name)
	if err != nil {
		return err
	}
	target := filepath.Join(x.workdir, filepath.FromSlash(name))
	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode.Perm()|0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", hdr.Name, err)
		}
		return nil

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", hdr.Name, err)
		}
		// Replace rather than truncate so read-only files can be overwritten.
		_ = os.Remove(target)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
		}
		_, err = io.Copy(f, tr)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", hdr.Name, err)
		}
		if closeErr != nil {
			return fmt.Errorf("failed to close %s: %w", hdr.Name, closeErr)
		}
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", hdr.Name, err)
		}
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", hdr.Name, err)
		}
		x.links[name] = struct{}{}
		return nil

	default:
		// Devices, fifos and hard links are not produced by Create.
		return nil
	}
}
