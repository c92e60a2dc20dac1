package testutil

import (
	"archive/zip"
	"bytes"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// ArchiveModTime is the modification time stamped on every file BuildZip
// writes.
var ArchiveModTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// Tree maps slash-separated relative paths to file contents.
type Tree map[string]string

// WriteTree creates every file of tree below dir.
func WriteTree(t testing.TB, dir string, tree Tree) {
	t.Helper()
	for rel, content := range tree {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// ReadTree returns every regular file below dir. A missing dir yields an
// empty tree.
func ReadTree(t testing.TB, dir string) Tree {
	t.Helper()
	tree := Tree{}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return tree
	}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

// BuildZip returns a zip archive holding tree below the single top-level
// directory root, laid out the way GitHub branch archives are.
func BuildZip(t testing.TB, root string, tree Tree) []byte {
	t.Helper()
	data, err := buildZip(root, tree)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func buildZip(root string, tree Tree) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)

	dirs := map[string]bool{}
	addDir := func(dir string) error {
		if dirs[dir] {
			return nil
		}
		dirs[dir] = true
		_, err := zw.Create(dir + "/")
		return err
	}

	if err := addDir(root); err != nil {
		return nil, err
	}
	for _, name := range names {
		full := path.Join(root, name)
		// parent directories first, outermost to innermost
		var parents []string
		for p := path.Dir(full); p != root && p != "."; p = path.Dir(p) {
			parents = append([]string{p}, parents...)
		}
		for _, p := range parents {
			if err := addDir(p); err != nil {
				return nil, err
			}
		}

		hdr := &zip.FileHeader{Name: full, Method: zip.Deflate, Modified: ArchiveModTime}
		hdr.SetMode(0644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(tree[name])); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
