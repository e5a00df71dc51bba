// Package layout maps cache keys to storage locations inside a backend.
//
// An entry for key K lives at
//
//	<root>/cache/<repository>/<fingerprint>/<K>/<cache file name>
//
// Locations are slash-separated object keys. The local backend maps them onto
// directories; the S3 backend uses them as object names.
package layout

import (
	"strings"

	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/keys"
)

// Namespace is the first path segment of every prefix.
const Namespace = "cache"

// Layout holds the per-call inputs that are not derived from paths or keys.
type Layout struct {
	// Root is prepended to every location. It may be empty.
	Root string
	// Repository identifies the project the cache belongs to.
	Repository string
}

// Prefix returns the segment shared by all entries valid for this path set
// and archive configuration.
func (l Layout) Prefix(paths []string, method archive.Method, crossOS bool) string {
	return join(Namespace, l.Repository, keys.Fingerprint(paths, method, crossOS))
}

// Location returns where the entry for key is stored under prefix.
func (l Layout) Location(prefix, key string) string {
	return join(l.Root, prefix, key)
}

// ArchivePath returns the archive object inside location.
func ArchivePath(location string, method archive.Method) string {
	return join(location, archive.CacheFileName(method))
}

// join concatenates non-empty segments with "/". Unlike path.Join it never
// resolves "." or ".." segments; keys containing them are rejected by
// keys.CheckKey and backends refuse the resulting object keys.
func join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// EntryName returns the key of an archive object stored under prefix, or
// false if objectKey is not an archive object of that prefix.
func (l Layout) EntryName(prefix, objectKey, fileName string) (string, bool) {
	base := l.Location(prefix, "") + "/"
	suffix := "/" + fileName
	if !strings.HasPrefix(objectKey, base) || !strings.HasSuffix(objectKey, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(objectKey, base), suffix)
	if name == "" || len(base)+len(suffix) > len(objectKey) {
		return "", false
	}
	return name, true
}
