package storage

import (
	"context"
	"errors"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
)

// ErrNotFound is returned when no session exists for an identity.
var ErrNotFound = errors.New("session not found")

// SandboxSession is the durable record for one session identity: the last
// submitted source, its rewritten form and the result of running it.
type SandboxSession struct {
	Identity      string                   `json:"identity"`
	Source        *program.SourceUnit      `json:"source"`
	RewrittenText string                   `json:"rewritten_text,omitempty"`
	Result        *sandbox.ExecutionResult `json:"result"`
	RunCount      int                      `json:"run_count"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Status is the status of the last result, or empty if there is none.
func (s *SandboxSession) Status() sandbox.Status {
	if s.Result == nil {
		return ""
	}
	return s.Result.Status
}

// ListOptions controls filtering and pagination for List.
type ListOptions struct {
	Status sandbox.Status
	Limit  int
	Offset int
}

// Store is the persistence interface for sandbox sessions. Sessions are
// keyed by identity; writes for one identity never block another.
type Store interface {
	// Put creates or replaces the session for s.Identity. It keeps the
	// original CreatedAt, increments RunCount and writes both back to s.
	Put(ctx context.Context, s *SandboxSession) error

	// Get returns the session for identity or ErrNotFound.
	Get(ctx context.Context, identity string) (*SandboxSession, error)

	// List returns sessions ordered by UpdatedAt descending.
	List(ctx context.Context, opts ListOptions) ([]SandboxSession, error)

	// Delete removes a session. Deleting an unknown identity returns ErrNotFound.
	Delete(ctx context.Context, identity string) error

	// DeleteIdle removes sessions not updated since before and returns how
	// many were removed.
	DeleteIdle(ctx context.Context, before time.Time) (int, error)

	// Close releases resources.
	Close() error
}
