package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// MarkerFileName is the file inside the output directory that records the
	// last synchronized commit.
	MarkerFileName = ".last_sha"

	// TokenEnvVar is the key looked up in the credential file and, failing
	// that, in the process environment.
	TokenEnvVar = "GITHUB_TOKEN"

	// KeyringService and KeyringUser locate the token in the OS keyring.
	KeyringService = "branchsync"
	KeyringUser    = "github-token"

	DefaultAPIBaseURL     = "https://api.github.com/"
	DefaultArchiveBaseURL = "https://github.com"
	DefaultTimeout        = 10 * time.Second
	DefaultArchiveTimeout = 30 * time.Second
	DefaultListenAddr     = "127.0.0.1:8787"
)

// ErrMissingCredential is returned when no GitHub token can be located.
var ErrMissingCredential = errors.New("github token not found")

// Config represents the complete branchsync configuration
type Config struct {
	Target TargetConfig `yaml:"target" toml:"target"`
	Paths  PathsConfig  `yaml:"paths" toml:"paths"`
	Auth   AuthConfig   `yaml:"auth" toml:"auth"`
	API    APIConfig    `yaml:"api" toml:"api"`
	Serve  ServeConfig  `yaml:"serve" toml:"serve"`
}

// TargetConfig names the remote branch to mirror
type TargetConfig struct {
	Owner  string `yaml:"owner" toml:"owner"`
	Repo   string `yaml:"repo" toml:"repo"`
	Branch string `yaml:"branch" toml:"branch"` // empty means the repository's default branch
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	OutputDir string `yaml:"output_dir" toml:"output_dir"`
	WorkDir   string `yaml:"work_dir" toml:"work_dir"`
}

// AuthConfig configures the GitHub credential
type AuthConfig struct {
	EnvFile string `yaml:"env_file" toml:"env_file"`
	Token   string `yaml:"-" toml:"-"`
}

// APIConfig configures the GitHub endpoints
type APIConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url"`
	ArchiveBaseURL string        `yaml:"archive_base_url" toml:"archive_base_url"`
	Timeout        time.Duration `yaml:"timeout" toml:"timeout"`
	ArchiveTimeout time.Duration `yaml:"archive_timeout" toml:"archive_timeout"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
}

// New returns a Config populated with defaults only.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. Values missing from the file
// keep their defaults. The result is not validated, since command line flags
// are usually merged on top before Validate is called.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "branchsync", "config.yaml")
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Target.Owner = os.ExpandEnv(c.Target.Owner)
	c.Target.Repo = os.ExpandEnv(c.Target.Repo)
	c.Target.Branch = os.ExpandEnv(c.Target.Branch)
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Auth.EnvFile = os.ExpandEnv(c.Auth.EnvFile)
	c.API.BaseURL = os.ExpandEnv(c.API.BaseURL)
	c.API.ArchiveBaseURL = os.ExpandEnv(c.API.ArchiveBaseURL)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Auth.EnvFile == "" {
		c.Auth.EnvFile = filepath.Join(xdg.ConfigHome, "branchsync", "github.env")
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultAPIBaseURL
	}
	if c.API.ArchiveBaseURL == "" {
		c.API.ArchiveBaseURL = DefaultArchiveBaseURL
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = DefaultTimeout
	}
	if c.API.ArchiveTimeout <= 0 {
		c.API.ArchiveTimeout = DefaultArchiveTimeout
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Target.Owner == "" {
		return fmt.Errorf("target.owner is required")
	}
	if c.Target.Repo == "" {
		return fmt.Errorf("target.repo is required")
	}
	if strings.ContainsAny(c.Target.Owner, "/\\") || strings.ContainsAny(c.Target.Repo, "/\\") {
		return fmt.Errorf("target.owner and target.repo must not contain path separators")
	}
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir is required")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL: %s", c.API.BaseURL)
	}
	if !strings.HasPrefix(c.API.ArchiveBaseURL, "http://") && !strings.HasPrefix(c.API.ArchiveBaseURL, "https://") {
		return fmt.Errorf("api.archive_base_url must be an http(s) URL: %s", c.API.ArchiveBaseURL)
	}
	return nil
}

// ValidateServe checks the settings only the webhook server needs.
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// LoadToken reads the GitHub token from the dotenv file at envFile. When the
// file does not exist or lacks the key, the process environment and then the
// OS keyring are consulted.
func LoadToken(envFile string) (string, error) {
	var token string

	vars, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		token = vars[TokenEnvVar]
	case errors.Is(err, fs.ErrNotExist):
		// fall through to the environment
	default:
		return "", fmt.Errorf("failed to read credential file %s: %w", envFile, err)
	}

	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if token == "" {
		// An unavailable keyring (no session bus) counts as no entry
		if secret, err := keyring.Get(KeyringService, KeyringUser); err == nil {
			token = secret
		}
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: set %s in %s, the environment or the keyring", ErrMissingCredential, TokenEnvVar, envFile)
	}
	return token, nil
}

// FullName returns "owner/repo"
func (c *Config) FullName() string {
	return c.Target.Owner + "/" + c.Target.Repo
}

// MarkerPath returns the path of the last-synced commit marker
func (c *Config) MarkerPath() string {
	return filepath.Join(c.Paths.OutputDir, MarkerFileName)
}

// WorkDir returns the directory holding the transient archive and the
// scratch extraction tree. It is stable per owner/repo so that leftovers of
// an interrupted run are found again.
func (c *Config) WorkDir() string {
	if c.Paths.WorkDir != "" {
		return c.Paths.WorkDir
	}
	return filepath.Join(xdg.CacheHome, "branchsync", c.Target.Owner+"-"+c.Target.Repo)
}

// ArchivePath returns the path the downloaded snapshot is written to
func (c *Config) ArchivePath() string {
	return filepath.Join(c.WorkDir(), "archive.zip")
}

// ExtractDir returns the scratch directory the snapshot is unpacked into
func (c *Config) ExtractDir() string {
	return filepath.Join(c.WorkDir(), "extract")
}
