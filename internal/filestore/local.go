package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalStore keeps each repository as a directory under Root. Revisions
// are the SHA-256 of the file content.
type LocalStore struct {
	Root string

	mu sync.Mutex
}

// NewLocalStore creates root if needed and returns a store over it.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating file store root: %w", err)
	}
	return &LocalStore{Root: root}, nil
}

// Revision returns the revision LocalStore assigns to content.
func Revision(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *LocalStore) ListRepos(_ context.Context) ([]Repo, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	var repos []Repo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		repos = append(repos, Repo{Name: e.Name(), FullName: e.Name()})
	}
	return repos, nil
}

func (s *LocalStore) List(_ context.Context, repo string) ([]string, error) {
	dir, err := s.repoDir(repo)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", repo, err)
	}
	sort.Strings(files)
	return files, nil
}

func (s *LocalStore) Read(_ context.Context, repo, path string) (*File, error) {
	full, rel, err := s.filePath(repo, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, repo, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", repo, rel, err)
	}
	content := string(data)
	return &File{Repo: repo, Path: rel, Content: content, Revision: Revision(content)}, nil
}

func (s *LocalStore) Write(_ context.Context, repo, path, content, revision, _ string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, rel, err := s.filePath(repo, path)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevision(repo, rel, full, revision); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s/%s: %w", repo, rel, err)
	}
	return &File{Repo: repo, Path: rel, Content: content, Revision: Revision(content)}, nil
}

func (s *LocalStore) Create(_ context.Context, repo, path, content, _ string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, rel, err := s.filePath(repo, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, &ConflictError{Repo: repo, Path: rel, Reason: "file already exists"}
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s/%s: %w", repo, rel, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing %s/%s: %w", repo, rel, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &File{Repo: repo, Path: rel, Content: content, Revision: Revision(content)}, nil
}

func (s *LocalStore) Delete(_ context.Context, repo, path, revision, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, rel, err := s.filePath(repo, path)
	if err != nil {
		return err
	}
	if err := s.checkRevision(repo, rel, full, revision); err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", repo, rel, err)
	}
	return nil
}

// checkRevision must be called with s.mu held.
func (s *LocalStore) checkRevision(repo, rel, full, revision string) error {
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, repo, rel)
	}
	if err != nil {
		return fmt.Errorf("reading %s/%s: %w", repo, rel, err)
	}
	if current := Revision(string(data)); current != revision {
		return &ConflictError{Repo: repo, Path: rel, Revision: revision, Reason: "file changed since it was read"}
	}
	return nil
}

func (s *LocalStore) repoDir(repo string) (string, error) {
	if repo == "" || strings.ContainsAny(repo, `/\`) || repo == "." || repo == ".." {
		return "", fmt.Errorf("invalid repository name %q", repo)
	}
	dir := filepath.Join(s.Root, repo)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: repository %s", ErrNotFound, repo)
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: repository %s", ErrNotFound, repo)
	}
	return dir, nil
}

func (s *LocalStore) filePath(repo, path string) (full, rel string, err error) {
	dir, err := s.repoDir(repo)
	if err != nil {
		return "", "", err
	}
	rel, err = CleanPath(path)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), rel, nil
}
