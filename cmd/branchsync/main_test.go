package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
	"github.com/fatih/color"
	"github.com/zalando/go-keyring"

	"github.com/schaermu/branchsync/internal/config"
	"github.com/schaermu/branchsync/internal/overlay"
	"github.com/schaermu/branchsync/internal/sync"
	"github.com/schaermu/branchsync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetFlags restores all flag globals once the test ends.
func resetFlags(t *testing.T) {
	t.Helper()
	saved := []string{cfgFile, logLevel, logFormat, targetUser, targetRepo, targetBranch, outputDir, workDir, envFile, listenAddr}
	savedDryRun := dryRun
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = saved[0], saved[1], saved[2]
		targetUser, targetRepo, targetBranch = saved[3], saved[4], saved[5]
		outputDir, workDir, envFile, listenAddr = saved[6], saved[7], saved[8], saved[9]
		dryRun = savedDryRun
	})
}

func TestSetupLogger(t *testing.T) {
	resetFlags(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetFlags(t)

	tmpDir := t.TempDir()
	outDir := filepath.Join(tmpDir, "site")

	configContent := []byte(`target:
  owner: "octocat"
  repo: "site"
  branch: "gh-pages"
paths:
  output_dir: "` + outDir + `"
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Target.Branch != "gh-pages" {
		t.Errorf("expected branch gh-pages, got %q", cfg.Target.Branch)
	}
	if cfg.Paths.OutputDir != outDir {
		t.Errorf("expected output dir %q, got %q", outDir, cfg.Paths.OutputDir)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	resetFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_MissingDefaultFile(t *testing.T) {
	resetFlags(t)

	// Registered first so it runs after the environment is restored
	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()

	cfgFile = ""
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("expected defaults when the default config file is missing, got %v", err)
	}
	if cfg.API.BaseURL != config.DefaultAPIBaseURL {
		t.Errorf("expected default api base url, got %q", cfg.API.BaseURL)
	}
}

func TestApplyFlags(t *testing.T) {
	resetFlags(t)

	cfg := config.New()
	cfg.Target = config.TargetConfig{Owner: "from-file", Repo: "file-repo", Branch: "file-branch"}
	cfg.Paths.OutputDir = "/from/file"

	targetUser = "octocat"
	targetRepo = ""
	targetBranch = "main"
	outputDir = "/from/flag"
	workDir = ""
	envFile = "/etc/branchsync.env"
	listenAddr = ":9000"

	applyFlags(cfg)

	if cfg.Target.Owner != "octocat" {
		t.Errorf("expected owner from flag, got %q", cfg.Target.Owner)
	}
	if cfg.Target.Repo != "file-repo" {
		t.Errorf("expected repo from file to be kept, got %q", cfg.Target.Repo)
	}
	if cfg.Target.Branch != "main" {
		t.Errorf("expected branch from flag, got %q", cfg.Target.Branch)
	}
	if cfg.Paths.OutputDir != "/from/flag" {
		t.Errorf("expected output dir from flag, got %q", cfg.Paths.OutputDir)
	}
	if cfg.Auth.EnvFile != "/etc/branchsync.env" {
		t.Errorf("expected env file from flag, got %q", cfg.Auth.EnvFile)
	}
	if cfg.Serve.ListenAddr != ":9000" {
		t.Errorf("expected listen addr from flag, got %q", cfg.Serve.ListenAddr)
	}
}

func TestPrintSummary(t *testing.T) {
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })

	tests := []struct {
		name   string
		result sync.Result
		want   string
	}{
		{
			name:   "up to date",
			result: sync.Result{Owner: "o", Repo: "r", Branch: "main", Commit: "0123456789abcdef", Status: sync.StatusUpToDate},
			want:   "o/r@main already up to date (0123456)\n",
		},
		{
			name: "updated",
			result: sync.Result{Owner: "o", Repo: "r", Branch: "main", Commit: "fedcba9876543210", Status: sync.StatusUpdated,
				Stats: overlay.Stats{Added: 2, Overwritten: 1}},
			want: "o/r@main updated to fedcba9 (2 added, 1 overwritten)\n",
		},
		{
			name:   "dry run first sync",
			result: sync.Result{Owner: "o", Repo: "r", Branch: "dev", Commit: "abc", Status: sync.StatusWouldUpdate},
			want:   "o/r@dev would update none -> abc\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printSummary(&buf, &tt.result)
			if buf.String() != tt.want {
				t.Errorf("printSummary() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

// syncFixture prepares a fake GitHub, a config file pointing at it and a
// credential file.
type syncFixture struct {
	gh      *testutil.FakeGitHub
	cfgPath string
	envPath string
	outDir  string
	workDir string
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	resetFlags(t)

	tmpDir := t.TempDir()
	f := &syncFixture{
		gh:      testutil.NewFakeGitHub(t, "octocat", "site", "s3cret"),
		cfgPath: filepath.Join(tmpDir, "config.yaml"),
		envPath: filepath.Join(tmpDir, "github.env"),
		outDir:  filepath.Join(tmpDir, "out"),
		workDir: filepath.Join(tmpDir, "work"),
	}

	configContent := []byte(`api:
  base_url: "` + f.gh.URL() + `/"
  archive_base_url: "` + f.gh.URL() + `"
`)
	if err := os.WriteFile(f.cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.WriteFile(f.envPath, []byte("GITHUB_TOKEN=s3cret\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	return f
}

func (f *syncFixture) run(t *testing.T, extra ...string) (string, error) {
	t.Helper()
	args := append([]string{"sync",
		"--config", f.cfgPath,
		"--log-level", "error",
		"--user", "octocat",
		"--repo", "site",
		"--output", f.outDir,
		"--work-dir", f.workDir,
		"--env-file", f.envPath,
	}, extra...)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		dryRun = false
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestSyncCommand_EndToEnd(t *testing.T) {
	f := newSyncFixture(t)
	f.gh.SetBranch("main", "1111111111", testutil.Tree{
		"index.html":     "<h1>v1</h1>",
		"css/site.css":   "body{}",
		"docs/readme.md": "hello",
	})

	out, err := f.run(t)
	if err != nil {
		t.Fatalf("first sync failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "updated to 1111111") {
		t.Errorf("expected update summary, got %q", out)
	}

	got := testutil.ReadTree(t, f.outDir)
	if got["index.html"] != "<h1>v1</h1>" || got["css/site.css"] != "body{}" {
		t.Errorf("unexpected output tree: %v", got)
	}
	if got[config.MarkerFileName] != "1111111111" {
		t.Errorf("expected marker 1111111111, got %q", got[config.MarkerFileName])
	}

	// Unchanged branch: no second download
	out, err = f.run(t)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if !strings.Contains(out, "already up to date") {
		t.Errorf("expected up-to-date summary, got %q", out)
	}
	if f.gh.ArchiveRequests() != 1 {
		t.Errorf("expected 1 archive download, got %d", f.gh.ArchiveRequests())
	}

	// Work directory is cleaned up after a successful sync
	if _, err := os.Stat(filepath.Join(f.workDir, "archive.zip")); !os.IsNotExist(err) {
		t.Errorf("expected archive to be removed, stat err = %v", err)
	}
}

func TestSyncCommand_DryRun(t *testing.T) {
	f := newSyncFixture(t)
	f.gh.SetBranch("main", "2222222222", testutil.Tree{"index.html": "v2"})

	out, err := f.run(t, "--dry-run")
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "would update") {
		t.Errorf("expected dry-run summary, got %q", out)
	}
	if f.gh.ArchiveRequests() != 0 {
		t.Errorf("dry run must not download, got %d requests", f.gh.ArchiveRequests())
	}
	if _, err := os.Stat(f.outDir); !os.IsNotExist(err) {
		t.Errorf("dry run must not create the output directory, stat err = %v", err)
	}
}

func TestSyncCommand_MissingCredential(t *testing.T) {
	f := newSyncFixture(t)
	t.Setenv(config.TokenEnvVar, "")
	keyring.MockInit()
	if err := os.Remove(f.envPath); err != nil {
		t.Fatal(err)
	}

	_, err := f.run(t)
	if !errors.Is(err, config.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if f.gh.MetadataRequests() != 0 {
		t.Errorf("expected no remote requests without a credential, got %d", f.gh.MetadataRequests())
	}
}

func TestSyncCommand_RemoteFailure(t *testing.T) {
	f := newSyncFixture(t)
	f.gh.SetBranch("main", "3333333333", testutil.Tree{"index.html": "v3"})
	f.gh.FailMetadata(true)

	if _, err := f.run(t); err == nil {
		t.Fatal("expected error when the metadata lookup fails")
	}
	if _, err := os.Stat(f.outDir); !os.IsNotExist(err) {
		t.Errorf("output directory must stay untouched, stat err = %v", err)
	}
}

func TestSyncCommand_MissingRequiredFlag(t *testing.T) {
	f := newSyncFixture(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"sync", "--config", f.cfgPath, "--log-level", "error", "--user", "octocat", "--output", f.outDir})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	// targetRepo may still hold a value from an earlier test
	targetRepo = ""
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "target.repo is required") {
		t.Fatalf("expected missing repo error, got %v", err)
	}
}
