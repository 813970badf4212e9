// Package memory is an in-process storage.Store for tests and for running
// without a database file.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/storage"
)

// Store keeps sessions in a concurrent map. Updates to one identity never
// contend with another.
type Store struct {
	sessions sync.Map // identity -> *storage.SandboxSession
}

// New returns an empty store.
func New() *Store { return &Store{} }

func (m *Store) Put(_ context.Context, sess *storage.SandboxSession) error {
	if sess.Identity == "" {
		return fmt.Errorf("session identity is required")
	}
	for {
		now := time.Now().UTC()
		next := *sess
		next.UpdatedAt = now

		cur, ok := m.sessions.Load(sess.Identity)
		if !ok {
			next.CreatedAt = now
			next.RunCount = 1
			if _, loaded := m.sessions.LoadOrStore(sess.Identity, &next); loaded {
				continue
			}
		} else {
			prev := cur.(*storage.SandboxSession)
			next.CreatedAt = prev.CreatedAt
			next.RunCount = prev.RunCount + 1
			if !m.sessions.CompareAndSwap(sess.Identity, cur, &next) {
				continue
			}
		}

		sess.CreatedAt, sess.UpdatedAt, sess.RunCount = next.CreatedAt, next.UpdatedAt, next.RunCount
		return nil
	}
}

func (m *Store) Get(_ context.Context, identity string) (*storage.SandboxSession, error) {
	v, ok := m.sessions.Load(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, identity)
	}
	sess := *v.(*storage.SandboxSession)
	return &sess, nil
}

func (m *Store) List(_ context.Context, opts storage.ListOptions) ([]storage.SandboxSession, error) {
	var all []storage.SandboxSession
	m.sessions.Range(func(_, v any) bool {
		sess := v.(*storage.SandboxSession)
		if opts.Status == "" || sess.Status() == opts.Status {
			all = append(all, *sess)
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Store) Delete(_ context.Context, identity string) error {
	if _, loaded := m.sessions.LoadAndDelete(identity); !loaded {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, identity)
	}
	return nil
}

func (m *Store) DeleteIdle(_ context.Context, before time.Time) (int, error) {
	n := 0
	m.sessions.Range(func(k, v any) bool {
		if v.(*storage.SandboxSession).UpdatedAt.Before(before) {
			if m.sessions.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n, nil
}

func (m *Store) Close() error { return nil }
