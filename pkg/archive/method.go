// Package archive packages cached paths into a single compressed tar file and
// unpacks them again. The compression method picks both the codec and the file
// name the archive is stored under.
package archive

import "fmt"

// Method describes how cache archives are compressed.
type Method string

const (
	// MethodUnset means the caller did not pick a method. Archives are written
	// with gzip and the method is left out of the cache fingerprint.
	MethodUnset Method = ""
	// MethodGzip compresses archives with gzip.
	MethodGzip Method = "gzip"
	// MethodZstdWithoutLong compresses archives with zstd using the default window.
	MethodZstdWithoutLong Method = "zstd-without-long"
	// MethodZstd compresses archives with zstd using a long-distance window.
	MethodZstd Method = "zstd"
)

const (
	gzipFileName = "cache.tgz"
	zstdFileName = "cache.tzst"

	// ManifestFileName is the auxiliary file listing archived paths. It is
	// written next to the archive and removed by the caller once the archive
	// has been stored.
	ManifestFileName = "manifest.txt"
)

// ParseMethod converts a configuration value into a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodUnset, MethodGzip, MethodZstdWithoutLong, MethodZstd:
		return m, nil
	default:
		return MethodUnset, fmt.Errorf("unknown compression method: %q", s)
	}
}

// CacheFileName returns the fixed archive file name for a compression method.
func CacheFileName(m Method) string {
	switch m {
	case MethodZstd, MethodZstdWithoutLong:
		return zstdFileName
	default:
		return gzipFileName
	}
}

func (m Method) String() string {
	if m == MethodUnset {
		return "unset"
	}
	return string(m)
}
