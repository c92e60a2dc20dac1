package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v32/github"

	"github.com/schaermu/branchsync/internal/config"
)

// Client provides the GitHub operations needed to mirror a branch
type Client interface {
	// DefaultBranch returns the name of the repository's default branch
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	// BranchHead returns the commit SHA at the tip of the branch
	BranchHead(ctx context.Context, owner, repo, branch string) (string, error)
	// DownloadArchive streams a zip snapshot of the branch into w
	DownloadArchive(ctx context.Context, owner, repo, branch string, w io.Writer) (int64, error)
}

// StatusError is returned when the archive endpoint answers with a
// non-success status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s failed with status: %s", e.URL, e.Status)
}

// errArchiveStalled is reported when the archive body stops arriving for
// longer than the archive timeout.
var errArchiveStalled = errors.New("archive download stalled")

// APIClient implements Client on top of the GitHub REST API
type APIClient struct {
	api            *gh.Client
	archive        *http.Client
	archiveBaseURL *url.URL
	archiveIdle    time.Duration
}

// NewAPIClient creates a client authenticating every request with token.
// Metadata requests are bounded by cfg.Timeout as a whole. Archive downloads
// have no overall limit: cfg.ArchiveTimeout bounds connecting, waiting for
// the response headers and each pause between body reads.
func NewAPIClient(cfg config.APIConfig, token string) (*APIClient, error) {
	archiveTimeout := cfg.ArchiveTimeout
	if archiveTimeout <= 0 {
		archiveTimeout = config.DefaultArchiveTimeout
	}
	transport := &tokenTransport{token: token, base: http.DefaultTransport}
	archiveTransport := &tokenTransport{token: token, base: newArchiveTransport(archiveTimeout)}

	api := gh.NewClient(&http.Client{Transport: transport, Timeout: cfg.Timeout})
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", cfg.BaseURL, err)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}
	api.BaseURL = baseURL
	api.UserAgent = "branchsync"

	archiveBaseURL, err := url.Parse(cfg.ArchiveBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid archive base url %q: %w", cfg.ArchiveBaseURL, err)
	}

	return &APIClient{
		api:            api,
		archive:        &http.Client{Transport: archiveTransport},
		archiveBaseURL: archiveBaseURL,
		archiveIdle:    archiveTimeout,
	}, nil
}

func newArchiveTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return t
}

// DefaultBranch looks up the repository's default branch
func (c *APIClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.api.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to get repository %s/%s: %w", owner, repo, err)
	}

	branch := r.GetDefaultBranch()
	if branch == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", owner, repo)
	}
	return branch, nil
}

// BranchHead returns the SHA of the latest commit on branch
func (c *APIClient) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	b, _, err := c.api.Repositories.GetBranch(ctx, owner, repo, branch)
	if err != nil {
		return "", fmt.Errorf("failed to get branch %s of %s/%s: %w", branch, owner, repo, err)
	}

	sha := b.GetCommit().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("branch %s of %s/%s has no commit sha", branch, owner, repo)
	}
	return sha, nil
}

// ArchiveURL returns the zip snapshot location of branch
func (c *APIClient) ArchiveURL(owner, repo, branch string) string {
	return c.archiveBaseURL.JoinPath(owner, repo, "archive", "refs", "heads", branch+".zip").String()
}

// DownloadArchive writes the zip snapshot of branch to w and returns the
// number of bytes written. The download runs as long as data keeps
// arriving; it fails once the body stalls for the archive timeout.
func (c *APIClient) DownloadArchive(ctx context.Context, owner, repo, branch string, w io.Writer) (int64, error) {
	archiveURL := c.ArchiveURL(owner, repo, branch)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.archive.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download archive: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{URL: archiveURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	idle := time.AfterFunc(c.archiveIdle, func() { cancel(errArchiveStalled) })
	defer idle.Stop()

	n, err := io.Copy(w, &idleReader{r: resp.Body, timer: idle, d: c.archiveIdle})
	if err != nil {
		if errors.Is(context.Cause(ctx), errArchiveStalled) {
			err = errArchiveStalled
		}
		return n, fmt.Errorf("failed to read archive body: %w", err)
	}
	return n, nil
}

// idleReader pushes timer back by d whenever a read returns data
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.d)
	}
	return n, err
}

// tokenTransport adds the GitHub token to every outgoing request
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(r)
}
