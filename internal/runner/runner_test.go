package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/metrics"
	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
	"github.com/reasonance-lab/streamcoder/internal/storage/memory"
)

// gateExecutor blocks every run until released and records how many runs
// were in flight at once.
type gateExecutor struct {
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newGate() *gateExecutor {
	return &gateExecutor{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gateExecutor) Name() string { return "gate" }

func (g *gateExecutor) Execute(ctx context.Context, prog *program.Rewritten, _ sandbox.ExecutionLimits) *sandbox.ExecutionResult {
	g.calls.Add(1)
	n := g.running.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.started <- struct{}{}
	status := sandbox.StatusSucceeded
	select {
	case <-g.release:
	case <-ctx.Done():
		status = sandbox.StatusFailed
	}
	g.running.Add(-1)
	return &sandbox.ExecutionResult{RunID: "run", Status: status, Output: prog.Text, Isolation: g.Name()}
}

func newRunner(t *testing.T, ex sandbox.Executor, rules ...policy.Rule) *Runner {
	t.Helper()
	set, err := policy.NewSet("test", rules...)
	if err != nil {
		t.Fatal(err)
	}
	limits := sandbox.DefaultLimits()
	limits.MaxDuration = 5 * time.Second
	r, err := New(Options{Executor: ex, Store: memory.New(), Policy: set, Limits: limits, Metrics: metrics.New()})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func submit(t *testing.T, r *Runner, identity, text string) *sandbox.ExecutionResult {
	t.Helper()
	res, err := r.Submit(context.Background(), identity, program.NewSourceUnit(identity, text, program.OriginEditor))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

// submitBackground is submit for use off the test goroutine.
func submitBackground(t *testing.T, r *Runner, identity, text string) {
	if _, err := r.Submit(context.Background(), identity, program.NewSourceUnit(identity, text, program.OriginEditor)); err != nil {
		t.Errorf("Submit(%s): %v", identity, err)
	}
}

func TestSubmitPrintsAndStores(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	res := submit(t, r, "scratch", `print("hi")`)
	if res.Status != sandbox.StatusSucceeded || res.Output != "hi\n" {
		t.Fatalf("result = %+v", res)
	}
	sess, err := r.Get(context.Background(), "scratch")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Result.Output != "hi\n" || sess.RewrittenText != `print("hi")` {
		t.Errorf("session = %+v", sess)
	}
}

func TestSubmitDeniedNeverExecutes(t *testing.T) {
	gate := newGate()
	r := newRunner(t, gate, policy.Rule{Module: "math", Open: true})

	res := submit(t, r, "bad", "import os\nos.system(\"ls\")")
	if res.Status != sandbox.StatusDenied {
		t.Fatalf("status = %s, want denied", res.Status)
	}
	if res.Error == nil || res.Error.Kind != sandbox.KindPolicyViolation || res.Error.Denials[0].Module != "os" {
		t.Errorf("error = %+v", res.Error)
	}
	if gate.calls.Load() != 0 {
		t.Error("executor invoked for a denied program")
	}
	sess, err := r.Get(context.Background(), "bad")
	if err != nil || sess.Status() != sandbox.StatusDenied {
		t.Fatalf("stored session = %+v, %v", sess, err)
	}
	if sess.RewrittenText != "" {
		t.Errorf("denied session has rewritten text %q", sess.RewrittenText)
	}
}

func TestSubmitParseError(t *testing.T) {
	gate := newGate()
	r := newRunner(t, gate)
	res := submit(t, r, "broken", "x = 1\ny = = 2\n")
	if res.Status != sandbox.StatusFailed || res.Error.Kind != sandbox.KindParseError || res.Error.Line != 2 {
		t.Errorf("result = %+v, error = %+v", res, res.Error)
	}
	if gate.calls.Load() != 0 {
		t.Error("executor invoked for a program that did not parse")
	}
}

func TestSubmitReplacesSession(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	submit(t, r, "id", "print(1)")
	submit(t, r, "id", "print(2)")

	sess, err := r.Get(context.Background(), "id")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Result.Output != "2\n" || sess.RunCount != 2 {
		t.Errorf("output = %q, runs = %d", sess.Result.Output, sess.RunCount)
	}
}

func TestSubmitTimesOutUnderDefaultLimits(t *testing.T) {
	set, err := policy.NewSet("test")
	if err != nil {
		t.Fatal(err)
	}
	limits := sandbox.DefaultLimits()
	limits.MaxDuration = 2 * time.Second
	r, err := New(Options{Executor: sandbox.NewInterpreter(), Store: memory.New(), Policy: set, Limits: limits})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := submit(t, r, "spin", "while True: pass\n")
	elapsed := time.Since(start)
	if res.Status != sandbox.StatusTimedOut || res.Error == nil || res.Error.Kind != sandbox.KindTimedOut {
		t.Fatalf("result = %s %+v, want timed_out", res.Status, res.Error)
	}
	if res.Output != "" {
		t.Errorf("output = %q, want empty", res.Output)
	}
	if elapsed < 2*time.Second || elapsed > 4*time.Second {
		t.Errorf("timed out after %s, want about 2s", elapsed)
	}
	sess, err := r.Get(context.Background(), "spin")
	if err != nil || sess.Status() != sandbox.StatusTimedOut {
		t.Errorf("stored session = %+v, %v", sess, err)
	}
}

func TestSubmitLeavesUnitUntouched(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	unit := program.NewSourceUnit("", `print("x")`, program.OriginCLI)
	if _, err := r.Submit(context.Background(), "named", unit); err != nil {
		t.Fatal(err)
	}
	if unit.Identity != "" {
		t.Errorf("caller's unit identity changed to %q", unit.Identity)
	}
	sess, err := r.Get(context.Background(), "named")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Source.Identity != "named" || sess.Source.ID != unit.ID {
		t.Errorf("stored source = %+v", sess.Source)
	}
}

func TestSubmitRequiresIdentity(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	_, err := r.Submit(context.Background(), " ", program.NewSourceUnit("", "print(1)", program.OriginCLI))
	if !errors.Is(err, ErrIdentityRequired) {
		t.Errorf("err = %v, want ErrIdentityRequired", err)
	}
}

func TestGetUnknownIdentity(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	if _, err := r.Get(context.Background(), "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSameIdentityQueues(t *testing.T) {
	gate := newGate()
	r := newRunner(t, gate)

	var wg sync.WaitGroup
	for _, text := range []string{"a = 1", "a = 2"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			submitBackground(t, r, "same", text)
		}(text)
	}

	<-gate.started
	select {
	case <-gate.started:
		t.Fatal("second submission for the same identity started while the first was running")
	case <-time.After(100 * time.Millisecond):
	}
	gate.release <- struct{}{}
	<-gate.started
	gate.release <- struct{}{}
	wg.Wait()

	if gate.peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", gate.peak.Load())
	}
	sess, err := r.Get(context.Background(), "same")
	if err != nil || sess.RunCount != 2 {
		t.Errorf("session = %+v, %v", sess, err)
	}
}

func TestDifferentIdentitiesRunInParallel(t *testing.T) {
	gate := newGate()
	r := newRunner(t, gate)

	var wg sync.WaitGroup
	for _, id := range []string{"one", "two"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			submitBackground(t, r, id, "x = 1")
		}(id)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-gate.started:
		case <-time.After(2 * time.Second):
			t.Fatal("identities did not run in parallel")
		}
	}
	gate.release <- struct{}{}
	gate.release <- struct{}{}
	wg.Wait()
}

func TestQueuedSubmitHonoursContext(t *testing.T) {
	gate := newGate()
	r := newRunner(t, gate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		submitBackground(t, r, "busy", "x = 1")
	}()
	<-gate.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Submit(ctx, "busy", program.NewSourceUnit("busy", "x = 2", program.OriginEditor))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	gate.release <- struct{}{}
	<-done
	if gate.calls.Load() != 1 {
		t.Errorf("executor calls = %d, want 1", gate.calls.Load())
	}
}

func TestCancelInflightRun(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())

	type outcome struct {
		res *sandbox.ExecutionResult
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := r.Submit(context.Background(), "loop", program.NewSourceUnit("loop", "while True:\n    pass\n", program.OriginEditor))
		out <- outcome{res, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !r.Cancel("loop") {
		if time.Now().After(deadline) {
			t.Fatal("run never became cancellable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o := <-out
	if o.err != nil {
		t.Fatalf("Submit: %v", o.err)
	}
	if o.res.Status != sandbox.StatusFailed || o.res.Error.Kind != sandbox.KindCancelled {
		t.Errorf("result = %s", o.res.Summary())
	}
	if r.Cancel("loop") {
		t.Error("Cancel reported a run after it finished")
	}
}

func TestReloadPolicy(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	src := "import math\nprint(math.sqrt(16))"

	if res := submit(t, r, "m", src); res.Status != sandbox.StatusDenied {
		t.Fatalf("status before reload = %s, want denied", res.Status)
	}

	set, err := policy.NewSet("v2", policy.Rule{Module: "math", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	r.ReloadPolicy(set)
	if r.Policy().Version != "v2" {
		t.Errorf("policy version = %q", r.Policy().Version)
	}

	res := submit(t, r, "m", src)
	if res.Status != sandbox.StatusSucceeded || res.Output != "4.0\n" || res.PolicyVersion != "v2" {
		t.Errorf("result after reload = %+v", res)
	}
}

func localFiles(t *testing.T, repos ...string) *filestore.LocalStore {
	t.Helper()
	root := t.TempDir()
	for _, repo := range repos {
		if err := os.MkdirAll(filepath.Join(root, repo), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	fs, err := filestore.NewLocalStore(root)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestAuditCopy(t *testing.T) {
	files := localFiles(t, "audit")
	r, err := New(Options{
		Executor: sandbox.NewInterpreter(),
		Store:    memory.New(),
		Files:    files,
		Audit:    AuditConfig{Repo: "audit", Prefix: "runs/"},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := submit(t, r, "scratch:main.star", "print(1)")
	f, err := files.Read(context.Background(), "audit", AuditPath("runs", "scratch:main.star", res.RunID))
	if err != nil {
		t.Fatalf("audit copy missing: %v", err)
	}
	if f.Content != "print(1)" {
		t.Errorf("audit content = %q", f.Content)
	}

	submit(t, r, "denied", "import os")
	listed, _ := files.List(context.Background(), "audit")
	if len(listed) != 1 {
		t.Errorf("audit files = %v, want only the executed run", listed)
	}
}

func TestAuditPath(t *testing.T) {
	tests := []struct{ prefix, identity, want string }{
		{"runs", "scratch:main.star", "runs/scratch_main.star/r1.star"},
		{"/a/b/", "x/../y", "a/b/x_.._y/r1.star"},
		{"", "..", "_/r1.star"},
	}
	for _, tt := range tests {
		if got := AuditPath(tt.prefix, tt.identity, "r1"); got != tt.want {
			t.Errorf("AuditPath(%q, %q) = %q, want %q", tt.prefix, tt.identity, got, tt.want)
		}
	}
}

func TestRunFileAndSaveAndRun(t *testing.T) {
	files := localFiles(t, "scratch")
	r, err := New(Options{Executor: sandbox.NewInterpreter(), Store: memory.New(), Files: files})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	f, res, err := r.SaveAndRun(ctx, SaveRequest{Repo: "scratch", Path: "hello.star", Content: "print('saved')\n"})
	if err != nil {
		t.Fatalf("SaveAndRun: %v", err)
	}
	if res.Output != "saved\n" {
		t.Errorf("output = %q", res.Output)
	}

	_, _, err = r.SaveAndRun(ctx, SaveRequest{Repo: "scratch", Path: "hello.star", Content: "print(2)", Revision: "stale"})
	var ce *filestore.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("stale save err = %v, want ConflictError", err)
	}

	if _, _, err := r.SaveAndRun(ctx, SaveRequest{Repo: "scratch", Path: "hello.star", Content: "print('v2')\n", Revision: f.Revision}); err != nil {
		t.Fatalf("SaveAndRun with revision: %v", err)
	}

	res, err = r.RunFile(ctx, "", "scratch", "hello.star")
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if res.Output != "v2\n" {
		t.Errorf("output = %q", res.Output)
	}
	sess, err := r.Get(ctx, FileIdentity("scratch", "hello.star"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Source.Origin != program.OriginRepository || sess.RunCount != 3 {
		t.Errorf("session origin = %s, runs = %d", sess.Source.Origin, sess.RunCount)
	}
}

func TestRepositoryOpsWithoutFileStore(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	if _, err := r.RunFile(context.Background(), "", "repo", "a.star"); !errors.Is(err, ErrNoFileStore) {
		t.Errorf("RunFile err = %v", err)
	}
	if _, _, err := r.SaveAndRun(context.Background(), SaveRequest{Repo: "repo", Path: "a.star"}); !errors.Is(err, ErrNoFileStore) {
		t.Errorf("SaveAndRun err = %v", err)
	}
}

func TestPrune(t *testing.T) {
	r := newRunner(t, sandbox.NewInterpreter())
	submit(t, r, "old", "x = 1")
	time.Sleep(20 * time.Millisecond)

	n, err := r.Prune(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}

	if _, err := r.StartPruner("not a schedule", time.Hour); err == nil {
		t.Error("expected invalid schedule error")
	}
	stop, err := r.StartPruner("@every 1h", time.Hour)
	if err != nil {
		t.Fatalf("StartPruner: %v", err)
	}
	stop()
}
