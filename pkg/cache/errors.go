package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/richardartoul/artifactcache/pkg/keys"
)

// Kind classifies errors raised inside Save and Restore.
type Kind int

const (
	// KindOther is any failure of the cache itself. It is logged as a warning
	// and never returned to the caller.
	KindOther Kind = iota
	// KindValidation is malformed caller input (*keys.ValidationError).
	KindValidation
	// KindPath means none of the requested paths exist (*PathError).
	KindPath
	// KindReserve means another save holds the key (*ReserveError).
	KindReserve
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPath:
		return "path"
	case KindReserve:
		return "reserve"
	default:
		return "other"
	}
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	var (
		verr *keys.ValidationError
		perr *PathError
		rerr *ReserveError
	)
	switch {
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &perr):
		return KindPath
	case errors.As(err, &rerr):
		return KindReserve
	default:
		return KindOther
	}
}

// PathError is returned by Save when the path patterns do not resolve to any
// existing file. Like a validation error it is returned to the caller.
type PathError struct {
	Patterns []string
	Err      error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("path validation error: %v", e.Err)
	}
	return fmt.Sprintf("path validation error: no files were found for paths: %s", strings.Join(e.Patterns, ", "))
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// ReserveError means the key is already being saved by another holder.
type ReserveError struct {
	Key string
}

func (e *ReserveError) Error() string {
	return fmt.Sprintf("unable to reserve cache with key %s, another job may be creating this cache", e.Key)
}

// errNotFound is the internal miss condition of Restore.
var errNotFound = errors.New("cache entry not found")
