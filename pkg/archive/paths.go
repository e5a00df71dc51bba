package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePaths expands path patterns into the existing paths they match.
// Relative patterns are resolved against workdir and a leading "~" expands to
// the home directory. Results are slash-separated paths relative to workdir,
// in pattern order with duplicates removed. Patterns that match nothing are
// dropped; an empty result is not an error here.
func ResolvePaths(workdir string, patterns []string) ([]string, error) {
	var (
		resolved []string
		seen     = make(map[string]struct{})
	)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		expanded, err := absPattern(workdir, pattern)
		if err != nil {
			return nil, err
		}

		matches, err := filepath.Glob(expanded)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			rel, err := filepath.Rel(workdir, match)
			if err != nil {
				return nil, fmt.Errorf("failed to relativize %s: %w", match, err)
			}
			rel = filepath.ToSlash(rel)
			if _, ok := seen[rel]; ok {
				continue
			}
			seen[rel] = struct{}{}
			resolved = append(resolved, rel)
		}
	}
	return resolved, nil
}

// relativePatterns rewrites patterns into the form ResolvePaths reports
// matches in: slash-separated and relative to workdir. The result is still a
// pattern and may be matched against archive entry names with path.Match.
func relativePatterns(workdir string, patterns []string) ([]string, error) {
	var rel []string
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		expanded, err := absPattern(workdir, pattern)
		if err != nil {
			return nil, err
		}
		r, err := filepath.Rel(workdir, expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to relativize %s: %w", pattern, err)
		}
		rel = append(rel, filepath.ToSlash(r))
	}
	return rel, nil
}

func absPattern(workdir, pattern string) (string, error) {
	expanded, err := expandHome(pattern)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(workdir, expanded)
	}
	return expanded, nil
}

func expandHome(pattern string) (string, error) {
	if pattern != "~" && !strings.HasPrefix(pattern, "~/") {
		return pattern, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %q: %w", pattern, err)
	}
	return filepath.Join(home, strings.TrimPrefix(pattern, "~")), nil
}
