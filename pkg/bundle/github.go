package bundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHub import limits.
const (
	// MaxGitHubArchiveBytes caps the downloaded zipball.
	MaxGitHubArchiveBytes = 100 << 20

	defaultGitHubTimeout = 60 * time.Second
)

// GitHubRef identifies a repository snapshot to import.
type GitHubRef struct {
	Owner string
	Repo  string
	Ref   string // empty means the default branch
}

// ZipballURL returns the codeload archive URL for the ref.
func (r GitHubRef) ZipballURL() string {
	ref := r.Ref
	if ref == "" {
		ref = "HEAD"
	}
	return fmt.Sprintf("https://codeload.github.com/%s/%s/zip/%s", r.Owner, r.Repo, ref)
}

// ParseGitHubURL extracts owner, repo, and optional ref from a GitHub
// repository URL of the form https://github.com/{owner}/{repo} or
// https://github.com/{owner}/{repo}/tree/{ref}.
func ParseGitHubURL(raw string) (GitHubRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return GitHubRef{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" || !strings.EqualFold(u.Host, "github.com") {
		return GitHubRef{}, fmt.Errorf("only https://github.com urls are supported")
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return GitHubRef{}, fmt.Errorf("url must name a repository")
	}

	ref := GitHubRef{
		Owner: parts[0],
		Repo:  strings.TrimSuffix(parts[1], ".git"),
	}
	if len(parts) >= 4 && parts[2] == "tree" {
		ref.Ref = strings.Join(parts[3:], "/")
	} else if len(parts) > 2 {
		return GitHubRef{}, fmt.Errorf("unsupported repository path %q", u.Path)
	}
	return ref, nil
}

// GitHubFetcher downloads repository zipballs for import.
type GitHubFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewGitHubFetcher creates a fetcher. A nil client gets a default with a
// 60s timeout.
func NewGitHubFetcher(client *http.Client) *GitHubFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultGitHubTimeout}
	}
	return &GitHubFetcher{client: client, maxBytes: MaxGitHubArchiveBytes}
}

// Fetch downloads the zipball for a repository URL and extracts it into
// bundle files.
func (f *GitHubFetcher) Fetch(ctx context.Context, repoURL string) ([]File, error) {
	ref, err := ParseGitHubURL(repoURL)
	if err != nil {
		return nil, err
	}
	return f.FetchRef(ctx, ref)
}

// FetchRef downloads and extracts the zipball for a parsed ref.
func (f *GitHubFetcher) FetchRef(ctx context.Context, ref GitHubRef) ([]File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.ZipballURL(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", ref.Owner, ref.Repo, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("repository %s/%s not found", ref.Owner, ref.Repo)
	default:
		return nil, fmt.Errorf("fetch %s/%s: unexpected status %d", ref.Owner, ref.Repo, resp.StatusCode)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("repository archive exceeds the %d byte limit", f.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("repository archive exceeds the %d byte limit", f.maxBytes)
	}

	return ExtractZip(data)
}
