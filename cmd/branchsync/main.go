package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/schaermu/branchsync/internal/activation"
	"github.com/schaermu/branchsync/internal/config"
	"github.com/schaermu/branchsync/internal/github"
	"github.com/schaermu/branchsync/internal/sync"
	"github.com/schaermu/branchsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	// Target flags, shared by sync and serve
	targetUser   string
	targetRepo   string
	targetBranch string
	outputDir    string
	workDir      string
	envFile      string
	listenAddr   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "branchsync",
	Short: "Mirror a GitHub branch into a local directory",
	Long: `branchsync mirrors the contents of a GitHub branch into a local directory.

The commit last applied is recorded in a .last_sha file inside the output
directory. When the branch tip has not moved nothing is downloaded. Otherwise
a zip snapshot is fetched and overlaid onto the output directory: files from
the snapshot overwrite local ones, and nothing is ever deleted.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the branch once",
	Long: `Sync resolves the branch tip, compares it with the recorded commit and, if it
changed, downloads the snapshot and merges it into the output directory.`,
	Example: `  branchsync sync --user octocat --repo site --output ./site
  branchsync sync --user octocat --repo site --branch gh-pages --output ./site --dry-run`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve syncs once, then listens for GitHub push webhooks and syncs again
whenever the mirrored branch is updated.

Requests must carry a valid X-Hub-Signature-256 header computed with the
secret stored in serve.github_webhook_secret_file. A socket passed by systemd
socket activation is used when present.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("branchsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/branchsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{syncCmd, serveCmd} {
		cmd.Flags().StringVar(&targetUser, "user", "", "GitHub account owning the repository")
		cmd.Flags().StringVar(&targetRepo, "repo", "", "repository name")
		cmd.Flags().StringVar(&targetBranch, "branch", "", "branch to mirror (default is the repository's default branch)")
		cmd.Flags().StringVar(&outputDir, "output", "", "directory the branch is mirrored into")
		cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for the downloaded archive (default is $XDG_CACHE_HOME/branchsync/<user>-<repo>)")
		cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file holding GITHUB_TOKEN (default is $XDG_CONFIG_HOME/branchsync/github.env)")
	}

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Serve command flags
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on when not socket activated (default "+config.DefaultListenAddr+")")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	engine, err := newEngine(logger, dryRun)
	if err != nil {
		return err
	}

	// Run sync
	logger.Info("starting sync operation")
	result, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	printSummary(cmd.OutOrStdout(), result)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	engine, cfg, err := newEngineWithConfig(logger, false)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return err
	}

	ln, err := activation.Listen(cfg.Serve.ListenAddr, logger)
	if err != nil {
		return err
	}

	return server.Start(ctx, ln)
}

func newEngine(logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	engine, _, err := newEngineWithConfig(logger, dryRun)
	return engine, err
}

// newEngineWithConfig resolves configuration and credential and wires the
// sync engine to the GitHub API.
func newEngineWithConfig(logger *slog.Logger, dryRun bool) (*sync.Engine, *config.Config, error) {
	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	token, err := config.LoadToken(cfg.Auth.EnvFile)
	if err != nil {
		return nil, nil, err
	}
	cfg.Auth.Token = token

	// Create dependencies
	client, err := github.NewAPIClient(cfg.API, cfg.Auth.Token)
	if err != nil {
		return nil, nil, err
	}

	return sync.NewEngine(cfg, client, logger, dryRun), cfg, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file. An explicitly given file must exist; a
// missing default file yields the built-in defaults so that flags alone are
// enough.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no config file found, using flags and defaults", "path", configPath)
			return config.New(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"owner", cfg.Target.Owner,
		"repo", cfg.Target.Repo,
		"branch", cfg.Target.Branch,
		"output_dir", cfg.Paths.OutputDir)

	return cfg, nil
}

// applyFlags overrides config file values with the flags given on the
// command line.
func applyFlags(cfg *config.Config) {
	cfg.Target.Owner, _ = lo.Coalesce(targetUser, cfg.Target.Owner)
	cfg.Target.Repo, _ = lo.Coalesce(targetRepo, cfg.Target.Repo)
	cfg.Target.Branch, _ = lo.Coalesce(targetBranch, cfg.Target.Branch)
	cfg.Paths.OutputDir, _ = lo.Coalesce(outputDir, cfg.Paths.OutputDir)
	cfg.Paths.WorkDir, _ = lo.Coalesce(workDir, cfg.Paths.WorkDir)
	cfg.Auth.EnvFile, _ = lo.Coalesce(envFile, cfg.Auth.EnvFile)
	cfg.Serve.ListenAddr, _ = lo.Coalesce(listenAddr, cfg.Serve.ListenAddr)
}

// printSummary writes a one-line human readable outcome to w.
func printSummary(w io.Writer, result *sync.Result) {
	target := fmt.Sprintf("%s/%s@%s", result.Owner, result.Repo, result.Branch)

	switch result.Status {
	case sync.StatusUpToDate:
		_, _ = color.New(color.FgGreen).Fprintf(w, "%s already up to date (%s)\n", target, shortSHA(result.Commit))
	case sync.StatusWouldUpdate:
		_, _ = color.New(color.FgYellow).Fprintf(w, "%s would update %s -> %s\n",
			target, shortSHA(result.PreviousCommit), shortSHA(result.Commit))
	default:
		_, _ = color.New(color.FgGreen, color.Bold).Fprintf(w, "%s updated to %s (%d added, %d overwritten)\n",
			target, shortSHA(result.Commit), result.Stats.Added, result.Stats.Overwritten)
	}
}

func shortSHA(sha string) string {
	if sha == "" {
		return "none"
	}
	return lo.Substring(sha, 0, 7)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
