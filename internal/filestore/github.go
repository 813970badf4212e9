package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v66/github"
)

// GitHubConfig configures a GitHubStore.
type GitHubConfig struct {
	Token   string
	Owner   string // used when a repository is named without "owner/"
	BaseURL string // GitHub Enterprise API root; empty means github.com
}

// GitHubStore is a Store over the GitHub contents API. Revisions are blob
// SHAs.
type GitHubStore struct {
	client *github.Client
	owner  string
}

// NewGitHubStore builds a store. httpClient may be nil.
func NewGitHubStore(cfg GitHubConfig, httpClient *http.Client) (*GitHubStore, error) {
	client := github.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return &GitHubStore{client: client, owner: cfg.Owner}, nil
}

func (s *GitHubStore) ListRepos(ctx context.Context) ([]Repo, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var repos []Repo
	for {
		page, resp, err := s.client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("listing repositories: %w", mapError(err, "", ""))
		}
		for _, r := range page {
			repos = append(repos, Repo{
				Name:          r.GetName(),
				FullName:      r.GetFullName(),
				DefaultBranch: r.GetDefaultBranch(),
				Private:       r.GetPrivate(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// List returns every file path on the repository's default branch.
func (s *GitHubStore) List(ctx context.Context, repo string) ([]string, error) {
	owner, name, err := s.split(repo)
	if err != nil {
		return nil, err
	}
	r, _, err := s.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, mapError(err, repo, "")
	}
	tree, _, err := s.client.Git.GetTree(ctx, owner, name, r.GetDefaultBranch(), true)
	if err != nil {
		return nil, mapError(err, repo, "")
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("listing %s: tree too large for a recursive listing", repo)
	}
	var files []string
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			files = append(files, e.GetPath())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *GitHubStore) Read(ctx context.Context, repo, path string) (*File, error) {
	owner, name, err := s.split(repo)
	if err != nil {
		return nil, err
	}
	rel, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	fc, dir, _, err := s.client.Repositories.GetContents(ctx, owner, name, rel, nil)
	if err != nil {
		return nil, mapError(err, repo, rel)
	}
	if fc == nil || dir != nil {
		return nil, fmt.Errorf("%s/%s is a directory", repo, rel)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", repo, rel, err)
	}
	return &File{Repo: repo, Path: rel, Content: content, Revision: fc.GetSHA()}, nil
}

func (s *GitHubStore) Write(ctx context.Context, repo, path, content, revision, message string) (*File, error) {
	owner, name, err := s.split(repo)
	if err != nil {
		return nil, err
	}
	rel, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	if revision == "" {
		return nil, &ConflictError{Repo: repo, Path: rel, Reason: "revision is required to update a file"}
	}
	res, _, err := s.client.Repositories.UpdateFile(ctx, owner, name, rel, &github.RepositoryContentFileOptions{
		Message: github.String(commitMessage(message, "Update", rel)),
		Content: []byte(content),
		SHA:     github.String(revision),
	})
	if err != nil {
		return nil, mapConflict(err, repo, rel, revision)
	}
	return &File{Repo: repo, Path: rel, Content: content, Revision: res.GetContent().GetSHA()}, nil
}

func (s *GitHubStore) Create(ctx context.Context, repo, path, content, message string) (*File, error) {
	owner, name, err := s.split(repo)
	if err != nil {
		return nil, err
	}
	rel, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	res, _, err := s.client.Repositories.CreateFile(ctx, owner, name, rel, &github.RepositoryContentFileOptions{
		Message: github.String(commitMessage(message, "Create", rel)),
		Content: []byte(content),
	})
	if err != nil {
		return nil, mapConflict(err, repo, rel, "")
	}
	return &File{Repo: repo, Path: rel, Content: content, Revision: res.GetContent().GetSHA()}, nil
}

func (s *GitHubStore) Delete(ctx context.Context, repo, path, revision, message string) error {
	owner, name, err := s.split(repo)
	if err != nil {
		return err
	}
	rel, err := CleanPath(path)
	if err != nil {
		return err
	}
	_, _, err = s.client.Repositories.DeleteFile(ctx, owner, name, rel, &github.RepositoryContentFileOptions{
		Message: github.String(commitMessage(message, "Delete", rel)),
		SHA:     github.String(revision),
	})
	if err != nil {
		return mapConflict(err, repo, rel, revision)
	}
	return nil
}

func (s *GitHubStore) split(repo string) (owner, name string, err error) {
	if o, n, ok := strings.Cut(repo, "/"); ok {
		owner, name = o, n
	} else {
		owner, name = s.owner, repo
	}
	if owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q (want owner/name or a configured owner)", repo)
	}
	return owner, name, nil
}

func commitMessage(message, verb, path string) string {
	if strings.TrimSpace(message) != "" {
		return message
	}
	return verb + " " + path
}

func statusOf(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

func mapError(err error, repo, path string) error {
	if statusOf(err) == http.StatusNotFound {
		if path == "" {
			return fmt.Errorf("%w: repository %s", ErrNotFound, repo)
		}
		return fmt.Errorf("%w: %s/%s", ErrNotFound, repo, path)
	}
	return err
}

// mapConflict turns GitHub's stale-SHA and missing-SHA responses into
// *ConflictError.
func mapConflict(err error, repo, path, revision string) error {
	switch statusOf(err) {
	case http.StatusConflict:
		return &ConflictError{Repo: repo, Path: path, Revision: revision, Reason: "file changed since it was read"}
	case http.StatusUnprocessableEntity:
		var er *github.ErrorResponse
		if errors.As(err, &er) && strings.Contains(strings.ToLower(er.Message), "sha") {
			reason := "file changed since it was read"
			if revision == "" {
				reason = "file already exists"
			}
			return &ConflictError{Repo: repo, Path: path, Revision: revision, Reason: reason}
		}
	}
	return mapError(err, repo, path)
}
