// Package keys derives cache fingerprints and validates caller-supplied cache
// keys and path sets.
package keys

import (
	"fmt"
	"path"
	"runtime"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/richardartoul/artifactcache/pkg/archive"
)

const (
	// MaxKeyLength is the longest cache key accepted.
	MaxKeyLength = 512
	// MaxKeys bounds the primary key plus its restore keys.
	MaxKeys = 10

	// versionSalt is mixed into every fingerprint. Bump it to invalidate all
	// existing entries after an incompatible archive format change.
	versionSalt = "1.0"
	// windowsMarker keeps archives created on Windows apart from the others
	// unless cross-OS sharing was requested.
	windowsMarker = "windows-only"
	separator     = "|"
)

// ValidationError reports malformed caller input. It is always returned to
// the caller and never downgraded to a warning.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Fingerprint returns the hex SHA-256 identifying the build configuration an
// entry is valid for. Path order is significant.
func Fingerprint(paths []string, method archive.Method, crossOS bool) string {
	return fingerprint(paths, method, crossOS, runtime.GOOS)
}

func fingerprint(paths []string, method archive.Method, crossOS bool, goos string) string {
	components := make([]string, 0, len(paths)+3)
	components = append(components, paths...)
	if method != archive.MethodUnset {
		components = append(components, string(method))
	}
	if goos == "windows" && !crossOS {
		components = append(components, windowsMarker)
	}
	components = append(components, versionSalt)

	return digest.SHA256.FromString(strings.Join(components, separator)).Encoded()
}

// CheckKey validates a single cache key. Keys become path segments in the
// store, so a key must already be in clean relative form: no empty, "." or
// ".." segments and no leading separator.
func CheckKey(key string) error {
	if key == "" {
		return validationErrorf("key validation error: key is required")
	}
	if len(key) > MaxKeyLength {
		return validationErrorf("key validation error: %s cannot be larger than %d characters", key, MaxKeyLength)
	}
	if strings.Contains(key, ",") {
		return validationErrorf("key validation error: %s cannot contain commas", key)
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, `\`) {
		return validationErrorf("key validation error: %s cannot start with a path separator", key)
	}
	for _, segment := range strings.FieldsFunc(key, isSeparator) {
		if segment == "." || segment == ".." {
			return validationErrorf("key validation error: %s cannot contain %q segments", key, segment)
		}
	}
	if path.Clean(key) != key {
		return validationErrorf("key validation error: %s must not contain empty segments", key)
	}
	return nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// CheckPaths validates that at least one path pattern was supplied.
func CheckPaths(paths []string) error {
	if len(paths) == 0 {
		return validationErrorf("path validation error: at least one path must be specified")
	}
	return nil
}

// CheckKeyList prepends primary to restoreKeys and validates the result.
func CheckKeyList(primary string, restoreKeys []string) ([]string, error) {
	keys := make([]string, 0, len(restoreKeys)+1)
	keys = append(keys, primary)
	keys = append(keys, restoreKeys...)
	if len(keys) > MaxKeys {
		return nil, validationErrorf("key validation error: keys are limited to a maximum of %d", MaxKeys)
	}
	for _, key := range keys {
		if err := CheckKey(key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
