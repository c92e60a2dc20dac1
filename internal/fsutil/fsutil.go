// Package fsutil confines filesystem writes to a directory tree as it exists
// on disk, following symlinks already present.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Within reports whether p is dir or lies below it. Both paths are compared
// lexically.
func Within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RealPath resolves every symlink in the longest existing prefix of p and
// appends the remaining, not yet existing, components unchanged. A dangling
// symlink on the way is an error.
func RealPath(p string) (string, error) {
	p = filepath.Clean(p)
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(p); lerr == nil {
			return "", fmt.Errorf("%s is a dangling symlink", p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

// EnsureInside fails unless the parent directory of p, resolved on disk,
// lies within root. root must already be a resolved path.
func EnsureInside(root, p string) error {
	parent, err := RealPath(filepath.Dir(p))
	if err != nil {
		return err
	}
	if !Within(root, parent) {
		return fmt.Errorf("%s resolves outside %s", p, root)
	}
	return nil
}

// IsSymlink reports whether p exists and is a symlink.
func IsSymlink(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.Mode()&fs.ModeSymlink != 0
}
