// Package archive unpacks branch snapshot zips into a scratch directory.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/branchsync/internal/fsutil"
)

// Extract clears dest, unpacks the zip archive at src into it and returns
// the path of the single top-level directory the archive must contain.
func Extract(src, dest string) (string, error) {
	if err := Reset(dest); err != nil {
		return "", err
	}
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return "", err
	}

	r, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	for _, f := range r.File {
		if err := extractFile(f, realDest); err != nil {
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}

	return singleRoot(dest)
}

// Reset removes dir and recreates it empty.
func Reset(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	target, err := safeJoin(dest, f.Name)
	if err != nil {
		return err
	}
	// Links extracted earlier may redirect the parent elsewhere
	if err := fsutil.EnsureInside(dest, target); err != nil {
		return err
	}

	mode := f.Mode()
	switch {
	case mode.IsDir():
		return os.MkdirAll(target, 0755)

	case mode&fs.ModeSymlink != 0:
		return extractSymlink(f, dest, target)

	case !mode.IsRegular():
		// devices, pipes and the like never appear in branch archives
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	if fsutil.IsSymlink(target) {
		if err := os.Remove(target); err != nil {
			return err
		}
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if !f.Modified.IsZero() {
		if err := os.Chtimes(target, f.Modified, f.Modified); err != nil {
			return err
		}
	}
	return nil
}

// extractSymlink recreates a symlink entry. The link must resolve, from
// where it is actually created on disk, to a location inside the top-level
// directory of the archive.
func extractSymlink(f *zip.File, dest, target string) error {
	top, nested := topLevel(f.Name)
	if !nested {
		return fmt.Errorf("symlink at archive top level")
	}
	root := filepath.Join(dest, top)

	rc, err := f.Open()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	_ = rc.Close()
	if err != nil {
		return err
	}

	link := string(data)
	if link == "" || filepath.IsAbs(link) {
		return fmt.Errorf("symlink target %q is not a relative path", link)
	}
	if !climbsFirst(link) {
		return fmt.Errorf("symlink target %q climbs after descending", link)
	}

	parent, err := fsutil.RealPath(filepath.Dir(target))
	if err != nil {
		return err
	}
	resolved, err := fsutil.RealPath(filepath.Join(parent, link))
	if err != nil {
		return err
	}
	if !fsutil.Within(root, resolved) {
		return fmt.Errorf("symlink target %q escapes the archive", link)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.Symlink(link, target)
}

// climbsFirst reports whether every ".." in link precedes its first named
// component. Only then does the lexical resolution of link match the one on
// disk when a component is itself a symlink.
func climbsFirst(link string) bool {
	descended := false
	for _, part := range strings.Split(filepath.ToSlash(link), "/") {
		switch part {
		case "", ".":
		case "..":
			if descended {
				return false
			}
		default:
			descended = true
		}
	}
	return true
}

// topLevel returns the first component of an entry name and whether the
// entry lies below it.
func topLevel(name string) (string, bool) {
	top, rest, _ := strings.Cut(strings.TrimSuffix(path.Clean(name), "/"), "/")
	return top, rest != ""
}

// safeJoin resolves an archive entry name below dest.
func safeJoin(dest, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) {
		return "", fmt.Errorf("illegal entry name %q", name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !fsutil.Within(dest, target) {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}
	return target, nil
}

// singleRoot returns the only entry of dir, which must be a directory.
func singleRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		return "", fmt.Errorf("archive must contain exactly one top-level directory, found %d entries", len(entries))
	}
	if !entries[0].IsDir() {
		return "", fmt.Errorf("archive top-level entry %s is not a directory", entries[0].Name())
	}
	return filepath.Join(dir, entries[0].Name()), nil
}
