// Package filestore reads and writes source files held in repositories,
// either on a GitHub host or in a local directory tree.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a repository or file does not exist.
var ErrNotFound = errors.New("not found")

// Repo describes one repository visible to the store.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Private       bool   `json:"private"`
}

// File is the content of one file at a revision. Revision is opaque to
// callers and must be passed back unchanged to Write and Delete.
type File struct {
	Repo     string `json:"repo"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Revision string `json:"revision"`
}

// Store is a repository-backed file store. Writes and deletes take the
// revision the caller last read; a stale revision yields *ConflictError and
// nothing is changed.
type Store interface {
	ListRepos(ctx context.Context) ([]Repo, error)
	List(ctx context.Context, repo string) ([]string, error)
	Read(ctx context.Context, repo, path string) (*File, error)
	Write(ctx context.Context, repo, path, content, revision, message string) (*File, error)
	Create(ctx context.Context, repo, path, content, message string) (*File, error)
	Delete(ctx context.Context, repo, path, revision, message string) error
}

// ConflictError reports a write against a revision that is no longer
// current, or a create over an existing file. The caller retries manually.
type ConflictError struct {
	Repo     string
	Path     string
	Revision string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Revision == "" {
		return fmt.Sprintf("conflict on %s/%s: %s", e.Repo, e.Path, e.Reason)
	}
	return fmt.Sprintf("conflict on %s/%s at revision %s: %s", e.Repo, e.Path, short(e.Revision), e.Reason)
}

// CleanPath normalises a repository-relative path and rejects paths that
// escape the repository root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the repository", p)
		}
	}
	return cleaned, nil
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
