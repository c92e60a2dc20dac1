package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/schaermu/branchsync/internal/archive"
	"github.com/schaermu/branchsync/internal/config"
	"github.com/schaermu/branchsync/internal/github"
	"github.com/schaermu/branchsync/internal/overlay"
)

// Scratch removal, replaceable in tests
var (
	removeAll  = os.RemoveAll
	removeFile = os.Remove
)

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	github github.Client
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, client github.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		github: client,
		logger: logger,
		dryRun: dryRun,
	}
}

// Run executes the complete sync process: resolve the branch, compare its
// tip with the local marker, and when they differ download the snapshot,
// overlay it onto the output directory and record the new commit.
//
// Failures before the merge leave the output directory untouched. A merge
// failure may leave some files overwritten; rerunning is safe.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	owner, repo := e.cfg.Target.Owner, e.cfg.Target.Repo

	branch, err := e.resolveBranch(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting sync",
		"owner", owner,
		"repo", repo,
		"branch", branch,
		"output_dir", e.cfg.Paths.OutputDir,
		"dry_run", e.dryRun)

	result := &Result{Owner: owner, Repo: repo, Branch: branch}

	if !e.dryRun {
		e.removeLeftovers()
	}

	// Check latest commit
	commit, err := e.github.BranchHead(ctx, owner, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest commit: %w", err)
	}
	result.Commit = commit
	e.logger.Info("latest commit", "commit", commit)

	// Compare with local marker
	previous, err := readMarker(e.cfg.MarkerPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read sync marker: %w", err)
	}
	result.PreviousCommit = previous

	if previous == commit {
		e.logger.Info("already up to date, no download needed", "commit", commit)
		result.Status = StatusUpToDate
		return result, nil
	}

	if e.dryRun {
		e.logger.Info("[dry-run] would download and apply snapshot",
			"previous_commit", previous,
			"commit", commit,
			"archive", e.cfg.ArchivePath())
		result.Status = StatusWouldUpdate
		return result, nil
	}

	if err := e.fetchArchive(ctx, branch); err != nil {
		return nil, err
	}

	e.logger.Info("extracting archive", "dest", e.cfg.ExtractDir())
	root, err := archive.Extract(e.cfg.ArchivePath(), e.cfg.ExtractDir())
	if err != nil {
		return nil, fmt.Errorf("failed to extract archive: %w", err)
	}

	e.logger.Info("merging snapshot into output directory (overwrite, no delete)",
		"source", root,
		"output_dir", e.cfg.Paths.OutputDir)
	stats, err := overlay.Merge(root, e.cfg.Paths.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to merge snapshot: %w", err)
	}
	result.Stats = stats
	e.logger.Info("snapshot merged",
		"added", stats.Added,
		"overwritten", stats.Overwritten,
		"moved_dirs", stats.MovedDirs)

	if err := writeMarker(e.cfg.MarkerPath(), commit); err != nil {
		return nil, fmt.Errorf("failed to save sync marker: %w", err)
	}

	e.cleanup()

	result.Status = StatusUpdated
	e.logger.Info("sync completed successfully", "commit", commit)
	return result, nil
}

// resolveBranch returns the configured branch, or looks up the repository
// default when none is configured.
func (e *Engine) resolveBranch(ctx context.Context) (string, error) {
	if e.cfg.Target.Branch != "" {
		return e.cfg.Target.Branch, nil
	}

	e.logger.Info("no branch specified, fetching default branch", "repo", e.cfg.FullName())
	branch, err := e.github.DefaultBranch(ctx, e.cfg.Target.Owner, e.cfg.Target.Repo)
	if err != nil {
		return "", fmt.Errorf("failed to get default branch: %w", err)
	}
	e.logger.Info("using default branch", "branch", branch)
	return branch, nil
}

// fetchArchive downloads the branch snapshot into the work directory. A
// partially written archive is removed on failure.
func (e *Engine) fetchArchive(ctx context.Context, branch string) error {
	if err := os.MkdirAll(e.cfg.WorkDir(), 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	path := e.cfg.ArchivePath()
	e.logger.Info("new version detected, downloading archive", "dest", path)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	n, err := e.github.DownloadArchive(ctx, e.cfg.Target.Owner, e.cfg.Target.Repo, branch, f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to download archive: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write archive: %w", err)
	}

	e.logger.Info("archive downloaded", "bytes", n)
	return nil
}

// removeLeftovers deletes scratch artifacts an interrupted run left behind.
func (e *Engine) removeLeftovers() {
	for _, p := range []string{e.cfg.ExtractDir(), e.cfg.ArchivePath()} {
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		e.logger.Debug("removing leftover from previous run", "path", p)
		if err := os.RemoveAll(p); err != nil {
			e.logger.Warn("failed to remove leftover", "path", p, "error", err)
		}
	}
}

// cleanup removes the scratch tree and the archive. Failures are logged
// only, since the sync itself already succeeded.
func (e *Engine) cleanup() {
	if err := removeAll(e.cfg.ExtractDir()); err != nil {
		e.logger.Warn("failed to remove scratch directory", "path", e.cfg.ExtractDir(), "error", err)
	}
	if err := removeFile(e.cfg.ArchivePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("failed to remove archive", "path", e.cfg.ArchivePath(), "error", err)
		return
	}
	e.logger.Debug("removed downloaded archive", "path", e.cfg.ArchivePath())
}
