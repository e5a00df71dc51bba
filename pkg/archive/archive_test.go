package archive

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCacheFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cache.tgz", CacheFileName(MethodUnset))
	assert.Equal(t, "cache.tgz", CacheFileName(MethodGzip))
	assert.Equal(t, "cache.tzst", CacheFileName(MethodZstd))
	assert.Equal(t, "cache.tzst", CacheFileName(MethodZstdWithoutLong))
}

func TestParseMethod(t *testing.T) {
	t.Parallel()

	m, err := ParseMethod("zstd")
	require.NoError(t, err)
	assert.Equal(t, MethodZstd, m)

	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodUnset, m)

	_, err = ParseMethod("brotli")
	assert.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	t.Parallel()

	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "node_modules", "a.js"), "a")
	writeFile(t, filepath.Join(workdir, "dist", "x.o"), "x")
	writeFile(t, filepath.Join(workdir, "dist", "y.o"), "y")

	got, err := ResolvePaths(workdir, []string{"node_modules", "dist/*.o", "missing", "node_modules"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node_modules", "dist/x.o", "dist/y.o"}, got)

	got, err = ResolvePaths(workdir, []string{"nothing-here/*"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ResolvePaths(workdir, []string{"[bad"})
	assert.Error(t, err)
}

func TestCreateExtractRoundTrip(t *testing.T) {
	t.Parallel()

	for _, m := range []Method{MethodUnset, MethodGzip, MethodZstdWithoutLong, MethodZstd} {
		m := m
		t.Run(m.String(), func(t *testing.T) {
			t.Parallel()

			src := t.TempDir()
			writeFile(t, filepath.Join(src, "deps", "lib", "one.txt"), "first file")
			writeFile(t, filepath.Join(src, "deps", "two.txt"), "second file")
			require.NoError(t, os.Symlink("two.txt", filepath.Join(src, "deps", "link")))

			staging := t.TempDir()
			archivePath, err := Create(context.Background(), staging, src, []string{"deps"}, m)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(staging, CacheFileName(m)), archivePath)

			manifest, err := os.ReadFile(filepath.Join(staging, ManifestFileName))
			require.NoError(t, err)
			assert.Equal(t, "deps\n", string(manifest))

			size, err := FileSize(archivePath)
			require.NoError(t, err)
			assert.Positive(t, size)

			names, err := List(context.Background(), archivePath, m)
			require.NoError(t, err)
			assert.Contains(t, names, "deps/")
			assert.Contains(t, names, "deps/lib/one.txt")
			assert.Contains(t, names, "deps/link")

			dst := t.TempDir()
			require.NoError(t, Extract(context.Background(), archivePath, dst, []string{"deps"}, m))

			one, err := os.ReadFile(filepath.Join(dst, "deps", "lib", "one.txt"))
			require.NoError(t, err)
			assert.Equal(t, "first file", string(one))

			link, err := os.Readlink(filepath.Join(dst, "deps", "link"))
			require.NoError(t, err)
			assert.Equal(t, "two.txt", link)
		})
	}
}

func TestExtractWrongMethodFails(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	archivePath, err := Create(context.Background(), t.TempDir(), src, []string{"a.txt"}, MethodGzip)
	require.NoError(t, err)

	err = Extract(context.Background(), archivePath, t.TempDir(), []string{"a.txt"}, MethodZstd)
	assert.Error(t, err)
}

func TestExtractMissingArchive(t *testing.T) {
	t.Parallel()

	err := Extract(context.Background(), filepath.Join(t.TempDir(), "nope.tgz"), t.TempDir(), nil, MethodGzip)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// writeTar writes a gzip tar holding hdrs; regular files get their name as
// content.
func writeTar(t *testing.T, hdrs ...*tar.Header) string {
	t.Helper()
	archivePath := filepath.Join(t.TempDir(), CacheFileName(MethodGzip))
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	defer f.Close()

	cw, err := newCompressor(f, MethodGzip)
	require.NoError(t, err)
	tw := tar.NewWriter(cw)
	for _, hdr := range hdrs {
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(hdr.Name))
		}
		hdr.Mode = 0644
		hdr.ModTime = time.Now()
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(hdr.Name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, cw.Close())
	return archivePath
}

func TestExtractRejectsWritesThroughExtractedSymlink(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	archivePath := writeTar(t,
		&tar.Header{Name: "deps/", Typeflag: tar.TypeDir},
		&tar.Header{Name: "deps/link", Typeflag: tar.TypeSymlink, Linkname: outside},
		&tar.Header{Name: "deps/link/planted", Typeflag: tar.TypeReg},
	)

	workdir := t.TempDir()
	err := Extract(context.Background(), archivePath, workdir, []string{"deps"}, MethodGzip)
	assert.ErrorIs(t, err, ErrUnsafeEntry)

	_, statErr := os.Stat(filepath.Join(outside, "planted"))
	assert.ErrorIs(t, statErr, os.ErrNotExist, "nothing may be written through the symlink")
}

func TestExtractRejectsAbsoluteEntries(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "planted")
	archivePath := writeTar(t, &tar.Header{Name: filepath.ToSlash(target), Typeflag: tar.TypeReg})

	err := Extract(context.Background(), archivePath, t.TempDir(), []string{"deps"}, MethodGzip)
	assert.ErrorIs(t, err, ErrUnsafeEntry)

	_, statErr := os.Stat(target)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestExtractLimitsEntriesOutsideWorkdir(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	workdir := filepath.Join(parent, "work")
	require.NoError(t, os.Mkdir(workdir, 0755))

	escaping := writeTar(t, &tar.Header{Name: "deps/../../planted", Typeflag: tar.TypeReg})
	err := Extract(context.Background(), escaping, workdir, []string{"deps"}, MethodGzip)
	assert.ErrorIs(t, err, ErrUnsafeEntry)
	_, statErr := os.Stat(filepath.Join(parent, "planted"))
	assert.ErrorIs(t, statErr, os.ErrNotExist)

	// Entries under a cached path outside workdir are restored.
	shared := writeTar(t,
		&tar.Header{Name: "../shared/", Typeflag: tar.TypeDir},
		&tar.Header{Name: "../shared/one.txt", Typeflag: tar.TypeReg},
	)
	require.NoError(t, Extract(context.Background(), shared, workdir, []string{"../shared"}, MethodGzip))
	data, err := os.ReadFile(filepath.Join(parent, "shared", "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "../shared/one.txt", string(data))

	err = Extract(context.Background(), shared, workdir, []string{"deps"}, MethodGzip)
	assert.ErrorIs(t, err, ErrUnsafeEntry)
}

func TestCreateExtractOutsideWorkdir(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	workdir := filepath.Join(parent, "work")
	require.NoError(t, os.Mkdir(workdir, 0755))
	writeFile(t, filepath.Join(parent, "shared", "lib.a"), "lib")

	resolved, err := ResolvePaths(workdir, []string{"../shared/*.a"})
	require.NoError(t, err)
	require.Equal(t, []string{"../shared/lib.a"}, resolved)

	archivePath, err := Create(context.Background(), t.TempDir(), workdir, resolved, MethodZstd)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(parent, "shared")))

	require.NoError(t, Extract(context.Background(), archivePath, workdir, []string{"../shared/*.a"}, MethodZstd))
	data, err := os.ReadFile(filepath.Join(parent, "shared", "lib.a"))
	require.NoError(t, err)
	assert.Equal(t, "lib", string(data))
}
