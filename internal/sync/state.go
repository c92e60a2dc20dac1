package sync

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/branchsync/internal/overlay"
)

// Status describes the outcome of a sync run
type Status string

const (
	StatusUpToDate    Status = "up-to-date"
	StatusUpdated     Status = "updated"
	StatusWouldUpdate Status = "would-update" // dry run found a newer commit
)

// Result reports what a sync run observed and did
type Result struct {
	Owner          string
	Repo           string
	Branch         string
	Commit         string // remote branch tip
	PreviousCommit string // marker content before the run, empty on first sync
	Status         Status
	Stats          overlay.Stats
}

// readMarker returns the commit recorded at path. A missing marker, or a
// missing output directory, means the branch was never synced.
func readMarker(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeMarker atomically replaces the marker at path with commit.
func writeMarker(path, commit string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".branchsync-marker-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.WriteString(commit); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
