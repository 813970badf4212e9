package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
)

// ErrNoFileStore is returned by repository operations when no file store
// is configured.
var ErrNoFileStore = errors.New("no file store configured")

// FileIdentity is the default session identity for a repository file.
func FileIdentity(repo, path string) string {
	return repo + ":" + path
}

// RunFile fetches path from repo and submits it. An empty identity
// defaults to FileIdentity(repo, path).
func (r *Runner) RunFile(ctx context.Context, identity, repo, path string) (*sandbox.ExecutionResult, error) {
	if r.files == nil {
		return nil, ErrNoFileStore
	}
	f, err := r.files.Read(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	if identity == "" {
		identity = FileIdentity(repo, f.Path)
	}
	return r.Submit(ctx, identity, program.NewSourceUnit(identity, f.Content, program.OriginRepository))
}

// SaveRequest writes a buffer to the repository before running it.
// An empty Revision creates the file.
type SaveRequest struct {
	Identity string
	Repo     string
	Path     string
	Content  string
	Revision string
	Message  string
	Origin   program.Origin
}

// SaveAndRun writes req.Content to the file store and then submits it.
// A stale revision returns *filestore.ConflictError and nothing runs.
func (r *Runner) SaveAndRun(ctx context.Context, req SaveRequest) (*filestore.File, *sandbox.ExecutionResult, error) {
	if r.files == nil {
		return nil, nil, ErrNoFileStore
	}
	var (
		f   *filestore.File
		err error
	)
	if req.Revision == "" {
		f, err = r.files.Create(ctx, req.Repo, req.Path, req.Content, req.Message)
	} else {
		f, err = r.files.Write(ctx, req.Repo, req.Path, req.Content, req.Revision, req.Message)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("saving %s/%s: %w", req.Repo, req.Path, err)
	}

	identity := req.Identity
	if identity == "" {
		identity = FileIdentity(req.Repo, f.Path)
	}
	origin := req.Origin
	if origin == "" {
		origin = program.OriginEditor
	}
	res, err := r.Submit(ctx, identity, program.NewSourceUnit(identity, req.Content, origin))
	return f, res, err
}
