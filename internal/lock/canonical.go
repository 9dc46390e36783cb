package lock

import (
	"fmt"
	"path/filepath"
	"sort"
)

// Canonicalize returns the absolute, cleaned form of path with symlinks
// resolved on its longest existing prefix. Paths that do not exist yet (files
// a plan creates) therefore map to the same key before and after creation.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty lock key")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", path, err)
	}
	existing := abs
	var rest []string
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// CanonicalKeys canonicalizes, deduplicates and sorts paths. This is the one
// order every multi-key acquisition follows.
func CanonicalKeys(paths []string) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := Canonicalize(p)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
