// Package runner drives a submission end to end: rewrite against the
// current policy, execute in the configured isolation unit, and store the
// result as the identity's session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/metrics"
	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/rewrite"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
)

// ErrIdentityRequired is returned for a submission without an identity.
var ErrIdentityRequired = errors.New("identity is required")

// AuditConfig names where executed sources are copied. An empty Repo
// disables the copy.
type AuditConfig struct {
	Repo   string
	Prefix string
}

// Options configure a Runner. Executor and Store are required.
type Options struct {
	Executor sandbox.Executor
	Store    storage.Store
	Policy   *policy.Set
	Catalog  *policy.Catalog
	Limits   sandbox.ExecutionLimits
	Files    filestore.Store
	Audit    AuditConfig
	Metrics  *metrics.Collector
}

// Runner serialises submissions per identity and runs different identities
// in parallel.
type Runner struct {
	executor sandbox.Executor
	store    storage.Store
	catalog  *policy.Catalog
	limits   sandbox.ExecutionLimits
	files    filestore.Store
	audit    AuditConfig
	metrics  *metrics.Collector

	resolver atomic.Pointer[policy.Resolver]

	mu       sync.Mutex
	locks    map[string]*identityLock
	inflight map[string]context.CancelFunc
}

type identityLock struct {
	sem  chan struct{}
	refs int
}

// New builds a Runner from opts.
func New(opts Options) (*Runner, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("runner: executor is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("runner: session store is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = policy.DefaultCatalog()
	}
	if opts.Limits == (sandbox.ExecutionLimits{}) {
		opts.Limits = sandbox.DefaultLimits()
	}
	r := &Runner{
		executor: opts.Executor,
		store:    opts.Store,
		catalog:  opts.Catalog,
		limits:   opts.Limits,
		files:    opts.Files,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		locks:    make(map[string]*identityLock),
		inflight: make(map[string]context.CancelFunc),
	}
	r.resolver.Store(policy.NewResolver(opts.Policy, opts.Catalog))
	return r, nil
}

// Policy returns the policy set submissions are currently checked against.
func (r *Runner) Policy() *policy.Set { return r.resolver.Load().Set() }

// Catalog returns the module catalog capabilities are drawn from.
func (r *Runner) Catalog() *policy.Catalog { return r.catalog }

// Limits returns the limits every run executes under.
func (r *Runner) Limits() sandbox.ExecutionLimits { return r.limits }

// Isolation names the configured executor.
func (r *Runner) Isolation() string { return r.executor.Name() }

// Sessions exposes the session store for listing and export.
func (r *Runner) Sessions() storage.Store { return r.store }

// Files returns the file store, or nil when none is configured.
func (r *Runner) Files() filestore.Store { return r.files }

// ReloadPolicy swaps the policy set. Submissions already past the rewrite
// step keep the set they were checked against.
func (r *Runner) ReloadPolicy(set *policy.Set) {
	if set == nil {
		set = policy.Empty()
	}
	r.resolver.Store(policy.NewResolver(set, r.catalog))
	log.Printf("runner: policy %q loaded (%d modules)", set.Version, len(set.Modules))
}

// Check rewrites unit against the current policy without executing it.
func (r *Runner) Check(unit *program.SourceUnit) (*program.Rewritten, error) {
	return rewrite.Rewrite(unit, r.resolver.Load())
}

// Submit rewrites, executes and stores unit as identity's session,
// replacing the previous one. Submissions for the same identity queue in
// arrival order; waiting honours ctx. Policy and parse failures are
// returned as stored results; the error is reserved for infrastructure
// failures.
func (r *Runner) Submit(ctx context.Context, identity string, unit *program.SourceUnit) (*sandbox.ExecutionResult, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = unit.Identity
	}
	if identity == "" {
		return nil, ErrIdentityRequired
	}
	// Units are immutable once created; the stored one carries the
	// resolved identity.
	if unit.Identity != identity {
		u := *unit
		u.Identity = identity
		unit = &u
	}

	release, err := r.acquire(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", identity, err)
	}
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.setInflight(identity, cancel)
	defer r.setInflight(identity, nil)

	resolver := r.resolver.Load()
	version := resolver.Set().Version

	sess := &storage.SandboxSession{Identity: identity, Source: unit}
	rw, err := rewrite.Rewrite(unit, resolver)
	var pv *rewrite.PolicyViolation
	var pe *rewrite.ParseError
	switch {
	case errors.As(err, &pv):
		sess.Result = sandbox.Denied(unit.ID, pv, version)
		r.metrics.ObserveDenials(pv.Modules())
	case errors.As(err, &pe):
		sess.Result = sandbox.ParseFailure(unit.ID, pe, version)
	case err != nil:
		return nil, fmt.Errorf("rewriting %s: %w", identity, err)
	default:
		sess.RewrittenText = rw.Text
		done := r.metrics.RunStarted()
		sess.Result = r.executor.Execute(runCtx, rw, r.limits)
		done()
	}
	res := sess.Result

	isolation := res.Isolation
	if isolation == "" {
		isolation = "none"
	}
	r.metrics.ObserveRun(isolation, string(res.Status), res.Duration)
	log.Printf("runner: %s %s", identity, res.Summary())

	// The result is stored even when the caller has gone away.
	storeCtx := context.WithoutCancel(ctx)
	if err := r.store.Put(storeCtx, sess); err != nil {
		return res, fmt.Errorf("storing session %s: %w", identity, err)
	}
	if rw != nil {
		r.auditCopy(storeCtx, unit, res)
	}
	return res, nil
}

// Get returns identity's latest session, or storage.ErrNotFound.
func (r *Runner) Get(ctx context.Context, identity string) (*storage.SandboxSession, error) {
	return r.store.Get(ctx, identity)
}

// Cancel stops identity's in-flight run. Queued submissions are not
// affected. It reports whether a run was cancelled.
func (r *Runner) Cancel(identity string) bool {
	r.mu.Lock()
	cancel, ok := r.inflight[identity]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running lists identities with a run in flight.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) acquire(ctx context.Context, identity string) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[identity]
	if !ok {
		l = &identityLock{sem: make(chan struct{}, 1)}
		r.locks[identity] = l
	}
	l.refs++
	r.mu.Unlock()

	unref := func() {
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, identity)
		}
		r.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}

func (r *Runner) setInflight(identity string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel == nil {
		delete(r.inflight, identity)
		return
	}
	r.inflight[identity] = cancel
}

// auditCopy writes the executed source to the audit repository. Failures
// are logged; they never affect the stored result.
func (r *Runner) auditCopy(ctx context.Context, unit *program.SourceUnit, res *sandbox.ExecutionResult) {
	if r.files == nil || r.audit.Repo == "" {
		return
	}
	path := AuditPath(r.audit.Prefix, unit.Identity, res.RunID)
	msg := fmt.Sprintf("Audit %s run %s (%s)", unit.Identity, res.RunID, res.Status)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := r.files.Create(ctx, r.audit.Repo, path, unit.Text, msg); err != nil {
		log.Printf("runner: audit copy of %s failed: %v", unit.Identity, err)
	}
}

// AuditPath is where the source of one run is copied:
// <prefix>/<identity>/<run id>.star with the identity made path-safe.
func AuditPath(prefix, identity, runID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, identity)
	safe = strings.Trim(safe, ".")
	if safe == "" {
		safe = "_"
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return safe + "/" + runID + ".star"
	}
	return prefix + "/" + safe + "/" + runID + ".star"
}
