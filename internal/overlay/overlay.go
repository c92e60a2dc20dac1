// Package overlay copies an extracted snapshot onto an output directory.
//
// The merge only ever adds or overwrites: entries of the output directory
// that are absent from the snapshot are left untouched, so files deleted
// upstream are never removed locally.
package overlay

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/schaermu/branchsync/internal/fsutil"
)

// Stats summarizes what a merge changed
type Stats struct {
	Added       int // files that did not exist in the output directory
	Overwritten int // files that replaced an existing output file
	MovedDirs   int // top-level directories moved over in one step
}

// Files returns the number of files written
func (s Stats) Files() int {
	return s.Added + s.Overwritten
}

// Merge overlays every entry below srcRoot onto dstDir, creating dstDir if
// needed. Top-level directories missing from dstDir are moved over whole;
// existing ones are walked and each file is copied to the same relative
// path. Errors abort the merge without rolling back files already written.
//
// Writes never leave dstDir: a symlink in dstDir standing where the
// snapshot has a directory is replaced by that directory, and any target
// whose parent resolves outside dstDir is an error.
func Merge(srcRoot, dstDir string) (Stats, error) {
	var stats Stats

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create output directory: %w", err)
	}
	root, err := filepath.EvalSymlinks(dstDir)
	if err != nil {
		return stats, fmt.Errorf("failed to resolve output directory: %w", err)
	}

	entries, err := os.ReadDir(srcRoot)
	if err != nil {
		return stats, fmt.Errorf("failed to read snapshot root: %w", err)
	}

	for _, entry := range entries {
		src := filepath.Join(srcRoot, entry.Name())
		dst := filepath.Join(root, entry.Name())

		if !entry.IsDir() {
			if err := copyEntry(root, src, dst, entry.Type(), &stats); err != nil {
				return stats, fmt.Errorf("failed to copy %s: %w", entry.Name(), err)
			}
			continue
		}

		info, err := os.Lstat(dst)
		switch {
		case err == nil && info.Mode()&fs.ModeSymlink != 0:
			if err := os.Remove(dst); err != nil {
				return stats, fmt.Errorf("failed to replace symlink %s: %w", entry.Name(), err)
			}
			fallthrough
		case errors.Is(err, fs.ErrNotExist):
			n, err := moveTree(root, src, dst)
			if err != nil {
				return stats, fmt.Errorf("failed to move directory %s: %w", entry.Name(), err)
			}
			stats.MovedDirs++
			stats.Added += n
		case err != nil:
			return stats, err
		default:
			if err := overlayTree(root, src, dst, &stats); err != nil {
				return stats, fmt.Errorf("failed to merge directory %s: %w", entry.Name(), err)
			}
		}
	}

	return stats, nil
}

// overlayTree copies every file below src to the same relative path below
// dst, creating directories as needed. root bounds every write.
func overlayTree(root, src, dst string, stats *Stats) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if !d.IsDir() {
			return copyEntry(root, path, target, d.Type(), stats)
		}
		if err := fsutil.EnsureInside(root, target); err != nil {
			return err
		}
		if fsutil.IsSymlink(target) {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		return os.MkdirAll(target, 0755)
	})
}

// moveTree moves src to dst and returns the number of files it held. When a
// rename is impossible (e.g. across filesystems) the tree is copied instead.
func moveTree(root, src, dst string) (int, error) {
	if err := fsutil.EnsureInside(root, dst); err != nil {
		return 0, err
	}
	n, err := countFiles(src)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(src, dst); err == nil {
		return n, nil
	}

	var stats Stats
	if err := overlayTree(root, src, dst, &stats); err != nil {
		return 0, err
	}
	return stats.Files(), nil
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

// copyEntry copies a file or symlink and records it in stats.
func copyEntry(root, src, dst string, typ fs.FileMode, stats *Stats) error {
	if err := fsutil.EnsureInside(root, dst); err != nil {
		return err
	}

	_, err := os.Lstat(dst)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if typ&fs.ModeSymlink != 0 {
		err = CopySymlink(src, dst)
	} else {
		err = CopyFile(src, dst)
	}
	if err != nil {
		return err
	}

	if existed {
		stats.Overwritten++
	} else {
		stats.Added++
	}
	return nil
}

// CopyFile copies a file from src to dst with atomic write, keeping the
// permission bits and modification time of src.
func CopyFile(src, dst string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".branchsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// CopySymlink recreates the symlink src at dst, replacing whatever file or
// link dst currently is.
func CopySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if info, err := os.Lstat(dst); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", dst)
		}
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	return os.Symlink(link, dst)
}
