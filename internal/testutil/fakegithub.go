package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeGitHub serves the parts of the GitHub REST API and archive endpoint
// that branchsync talks to, for a single owner/repo.
type FakeGitHub struct {
	Server *httptest.Server
	Owner  string
	Repo   string
	Token  string

	mu               sync.Mutex
	defaultBranch    string
	branches         map[string]fakeBranch
	failMetadata     bool
	failArchive      bool
	metadataRequests int
	archiveRequests  int
}

type fakeBranch struct {
	sha  string
	tree Tree
}

// NewFakeGitHub starts a fake server that is closed when the test ends.
func NewFakeGitHub(t testing.TB, owner, repo, token string) *FakeGitHub {
	t.Helper()
	f := &FakeGitHub{
		Owner:         owner,
		Repo:          repo,
		Token:         token,
		defaultBranch: "main",
		branches:      make(map[string]fakeBranch),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.serve(t, w, r)
	}))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the server base URL, usable both as API and archive base.
func (f *FakeGitHub) URL() string {
	return f.Server.URL
}

// SetBranch publishes tree as the content of branch at commit sha.
func (f *FakeGitHub) SetBranch(branch, sha string, tree Tree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch] = fakeBranch{sha: sha, tree: tree}
}

// SetDefaultBranch changes the branch reported as the repository default.
func (f *FakeGitHub) SetDefaultBranch(branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultBranch = branch
}

// FailMetadata makes repository and branch lookups answer 500.
func (f *FakeGitHub) FailMetadata(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMetadata = fail
}

// FailArchive makes archive downloads answer 502.
func (f *FakeGitHub) FailArchive(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failArchive = fail
}

// MetadataRequests returns how many repository/branch lookups were served.
func (f *FakeGitHub) MetadataRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataRequests
}

// ArchiveRequests returns how many archive downloads were attempted.
func (f *FakeGitHub) ArchiveRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archiveRequests
}

func (f *FakeGitHub) serve(t testing.TB, w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "token "+f.Token {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	repoPath := "/repos/" + f.Owner + "/" + f.Repo
	archivePrefix := "/" + f.Owner + "/" + f.Repo + "/archive/refs/heads/"

	switch {
	case r.URL.Path == repoPath:
		f.metadataRequests++
		if f.failMetadata {
			http.Error(w, `{"message":"Server Error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(t, w, map[string]any{
			"full_name":      f.Owner + "/" + f.Repo,
			"default_branch": f.defaultBranch,
		})

	case strings.HasPrefix(r.URL.Path, repoPath+"/branches/"):
		f.metadataRequests++
		if f.failMetadata {
			http.Error(w, `{"message":"Server Error"}`, http.StatusInternalServerError)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, repoPath+"/branches/")
		b, ok := f.branches[name]
		if !ok {
			http.Error(w, `{"message":"Branch not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(t, w, map[string]any{
			"name":   name,
			"commit": map[string]any{"sha": b.sha},
		})

	case strings.HasPrefix(r.URL.Path, archivePrefix) && strings.HasSuffix(r.URL.Path, ".zip"):
		f.archiveRequests++
		if f.failArchive {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, archivePrefix), ".zip")
		b, ok := f.branches[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		// GitHub replaces slashes in the branch name for the root folder
		root := f.Repo + "-" + strings.ReplaceAll(name, "/", "-")
		data, err := buildZip(root, b.tree)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(t testing.TB, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}
