package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/rewrite"
)

// TestMain lets the test binary stand in for the host binary when a
// ProcessExecutor re-executes it.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == ChildCommand {
		report := os.NewFile(3, "report")
		if err := RunChild(os.Stdin, os.Stdout, report, policy.DefaultCatalog()); err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func compile(t *testing.T, src string, rules ...policy.Rule) *program.Rewritten {
	t.Helper()
	set, err := policy.NewSet("test", rules...)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	rw, err := rewrite.Rewrite(program.NewSourceUnit("test", src, program.OriginCLI), policy.NewResolver(set, nil))
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	return rw
}

// testLimits leaves memory uncapped so the re-executed test binary starts
// under instrumented builds.
func testLimits() ExecutionLimits {
	l := DefaultLimits()
	l.MaxMemoryMB = 0
	return l
}

func executors(t *testing.T) map[string]Executor {
	t.Helper()
	proc, err := NewProcessExecutor(os.Args[0], ChildCommand)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Executor{
		"interpreter": NewInterpreter(),
		"process":     proc,
	}
}

func TestExecuteScenarios(t *testing.T) {
	mathOpen := policy.Rule{Module: "math", Open: true}
	tests := []struct {
		name   string
		src    string
		rules  []policy.Rule
		status Status
		output string
	}{
		{"print", `print("hi")`, nil, StatusSucceeded, "hi\n"},
		{"allowed import", "import math\nprint(math.sqrt(16))", []policy.Rule{mathOpen}, StatusSucceeded, "4.0\n"},
		{"from import alias", "from math import floor as fl\nprint(fl(2.7))", []policy.Rule{mathOpen}, StatusSucceeded, "2\n"},
		{"multiple args", `print("a", 1, [2])`, nil, StatusSucceeded, "a 1 [2]\n"},
	}
	for name, ex := range executors(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				prog := compile(t, tt.src, tt.rules...)
				res := ex.Execute(context.Background(), prog, testLimits())
				if res.Status != tt.status {
					t.Fatalf("status = %s, want %s (%+v)", res.Status, tt.status, res.Error)
				}
				if res.Output != tt.output {
					t.Errorf("output = %q, want %q", res.Output, tt.output)
				}
				if res.Error != nil {
					t.Errorf("error = %+v, want nil", res.Error)
				}
				if res.Isolation != name {
					t.Errorf("isolation = %q, want %q", res.Isolation, name)
				}
			})
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	for name, ex := range executors(t) {
		t.Run(name, func(t *testing.T) {
			prog := compile(t, "print(\"start\")\nwhile True:\n    pass\n")
			limits := testLimits()
			limits.MaxDuration = 2 * time.Second

			start := time.Now()
			res := ex.Execute(context.Background(), prog, limits)
			elapsed := time.Since(start)

			if res.Status != StatusTimedOut {
				t.Fatalf("status = %s, want timed_out (%+v)", res.Status, res.Error)
			}
			if res.Error == nil || res.Error.Kind != KindTimedOut {
				t.Errorf("error = %+v, want kind timed_out", res.Error)
			}
			if !res.Partial {
				t.Error("partial flag not set")
			}
			if res.Output != "start\n" {
				t.Errorf("output = %q, want output so far", res.Output)
			}
			if elapsed > 4*time.Second {
				t.Errorf("took %s to time out", elapsed)
			}
		})
	}
}

func TestExecuteOutputCap(t *testing.T) {
	for name, ex := range executors(t) {
		t.Run(name, func(t *testing.T) {
			prog := compile(t, "for i in range(1000):\n    print(\"0123456789\")\nprint(\"done\")\n")
			limits := testLimits()
			limits.MaxOutputBytes = 100

			res := ex.Execute(context.Background(), prog, limits)
			if res.Status != StatusSucceeded {
				t.Fatalf("status = %s (%+v)", res.Status, res.Error)
			}
			if !res.Truncated {
				t.Error("truncated flag not set")
			}
			if len(res.Output) != 100 {
				t.Errorf("output length = %d, want 100", len(res.Output))
			}
		})
	}
}

func TestExecuteUncaughtError(t *testing.T) {
	for name, ex := range executors(t) {
		t.Run(name, func(t *testing.T) {
			prog := compile(t, "print(\"before\")\nx = {}\ny = x[\"missing\"]\n")
			res := ex.Execute(context.Background(), prog, testLimits())
			if res.Status != StatusFailed {
				t.Fatalf("status = %s, want failed", res.Status)
			}
			if res.Error == nil || res.Error.Kind != KindUncaughtException {
				t.Fatalf("error = %+v, want uncaught_exception", res.Error)
			}
			if res.Error.Line != 3 {
				t.Errorf("line = %d, want 3", res.Error.Line)
			}
			if !strings.Contains(res.Error.Message, "missing") {
				t.Errorf("message = %q", res.Error.Message)
			}
			if res.Output != "before\n" {
				t.Errorf("output = %q", res.Output)
			}
		})
	}
}

func TestExecuteStepLimit(t *testing.T) {
	prog := compile(t, "n = 0\nwhile True:\n    n += 1\n")
	limits := testLimits()
	limits.MaxSteps = 10_000

	res := NewInterpreter().Execute(context.Background(), prog, limits)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error.Kind != KindResourceExceeded {
		t.Errorf("kind = %s, want resource_exceeded", res.Error.Kind)
	}
	if res.Steps < limits.MaxSteps {
		t.Errorf("steps = %d, want at least %d", res.Steps, limits.MaxSteps)
	}
}

func TestDefaultLimitsBoundByWallClock(t *testing.T) {
	l := DefaultLimits()
	if l.MaxSteps != 0 {
		t.Errorf("default MaxSteps = %d, want 0 so loops end as timed_out", l.MaxSteps)
	}
	if l.MaxDuration <= 0 || l.MaxMemoryMB <= 0 {
		t.Errorf("default limits = %+v, want a duration and a memory cap", l)
	}
}

func TestExecuteMemoryLimit(t *testing.T) {
	prog := compile(t, "held = []\nfor i in range(100):\n    held.append(\"a\" * 8000000)\nprint(len(held))\n")
	limits := DefaultLimits()
	limits.MaxMemoryMB = 64

	res := NewInterpreter().Execute(context.Background(), prog, limits)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed (output %q)", res.Status, res.Output)
	}
	if res.Error == nil || res.Error.Kind != KindResourceExceeded {
		t.Fatalf("error = %+v, want resource_exceeded", res.Error)
	}
	if !strings.Contains(res.Error.Message, "64 MB") {
		t.Errorf("message = %q", res.Error.Message)
	}
}

func TestExecuteUnderMemoryLimit(t *testing.T) {
	prog := compile(t, "held = [\"a\" * 1000 for i in range(100)]\nprint(len(held))\n")
	res := NewInterpreter().Execute(context.Background(), prog, DefaultLimits())
	if res.Status != StatusSucceeded || res.Output != "100\n" {
		t.Fatalf("result = %s %q %+v", res.Status, res.Output, res.Error)
	}
}

func TestRunChildMemoryLimit(t *testing.T) {
	prog := compile(t, "held = []\nfor i in range(100):\n    held.append(\"a\" * 8000000)\n")
	limits := ExecutionLimits{MaxMemoryMB: 64}
	req, err := json.Marshal(newChildRequest(prog, limits))
	if err != nil {
		t.Fatal(err)
	}

	var stdout, report bytes.Buffer
	if err := RunChild(bytes.NewReader(req), &stdout, &report, policy.DefaultCatalog()); err != nil {
		t.Fatalf("RunChild: %v", err)
	}
	var r childReport
	if err := json.Unmarshal(report.Bytes(), &r); err != nil {
		t.Fatalf("report %q: %v", report.String(), err)
	}
	if r.Status != StatusFailed || r.Error == nil || r.Error.Kind != KindResourceExceeded {
		t.Errorf("report = %+v %+v, want failed/resource_exceeded", r, r.Error)
	}
}

func TestProcessMemoryBackstop(t *testing.T) {
	p, err := NewProcessExecutor("/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	cmd := p.command(context.Background(), ExecutionLimits{MaxMemoryMB: 256})
	script := strings.Join(cmd.Args, " ")
	if want := fmt.Sprintf("ulimit -v %d", (256+runtimeHeadroomMB)*1024); !strings.Contains(script, want) {
		t.Errorf("command = %q, want %q", script, want)
	}
	if cmd := p.command(context.Background(), ExecutionLimits{}); strings.Contains(strings.Join(cmd.Args, " "), "ulimit") {
		t.Error("no memory cap should run the child directly")
	}
}

func TestExecuteCancel(t *testing.T) {
	for name, ex := range executors(t) {
		t.Run(name, func(t *testing.T) {
			prog := compile(t, "while True:\n    pass\n")
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(200*time.Millisecond, cancel)

			res := ex.Execute(ctx, prog, ExecutionLimits{MaxDuration: 10 * time.Second})
			if res.Status != StatusFailed || res.Error == nil || res.Error.Kind != KindCancelled {
				t.Fatalf("result = %s %+v, want failed/cancelled", res.Status, res.Error)
			}
		})
	}
}

func TestInterpreterHasNoHostAccess(t *testing.T) {
	for _, src := range []string{
		`load("os.star", "system")`,
		`__sandbox_import__(0)`,
	} {
		prog := compile(t, src)
		res := NewInterpreter().Execute(context.Background(), prog, testLimits())
		if res.Status != StatusFailed {
			t.Errorf("%q: status = %s, want failed", src, res.Status)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	for _, s := range []string{"ab", "cd", "ef", "gh"} {
		n, err := b.Write([]byte(s))
		if err != nil || n != len(s) {
			t.Fatalf("Write(%q) = %d, %v", s, n, err)
		}
	}
	if got := b.String(); got != "abcde" {
		t.Errorf("buffer = %q, want abcde", got)
	}
	if !b.Truncated() {
		t.Error("truncated not set")
	}

	unlimited := newCappedBuffer(0)
	unlimited.Write([]byte(strings.Repeat("x", 1000)))
	if unlimited.Truncated() || len(unlimited.String()) != 1000 {
		t.Error("zero limit should keep everything")
	}
}

func TestLiveOutput(t *testing.T) {
	for name, ex := range executors(t) {
		t.Run(name, func(t *testing.T) {
			var mu sync.Mutex
			var chunks []string
			ctx := WithOutput(context.Background(), func(chunk string) {
				mu.Lock()
				chunks = append(chunks, chunk)
				mu.Unlock()
			})
			limits := testLimits()
			limits.MaxOutputBytes = 6
			res := ex.Execute(ctx, compile(t, "print('abc')\nprint('def')"), limits)

			mu.Lock()
			defer mu.Unlock()
			if live := strings.Join(chunks, ""); live != res.Output {
				t.Errorf("live output %q differs from result %q", live, res.Output)
			}
			if res.Output != "abc\nde" || !res.Truncated {
				t.Errorf("output = %q, truncated = %v", res.Output, res.Truncated)
			}
		})
	}
}

func TestDeniedResult(t *testing.T) {
	pv := &rewrite.PolicyViolation{Denials: []rewrite.Denial{
		{Line: 1, Statement: "import os", Module: "os", Reason: "module not permitted: os"},
	}}
	res := Denied("run-1", pv, "v1")
	if res.Status != StatusDenied || res.Error.Kind != KindPolicyViolation {
		t.Fatalf("result = %s/%s", res.Status, res.Error.Kind)
	}
	if len(res.Error.Denials) != 1 || res.Error.Line != 1 {
		t.Errorf("error = %+v", res.Error)
	}
}

func TestNewExecutor(t *testing.T) {
	ex, err := NewExecutor("interpreter", DefaultDockerPolicy())
	if err != nil || ex.Name() != "interpreter" {
		t.Fatalf("NewExecutor(interpreter) = %v, %v", ex, err)
	}
	if _, err := NewExecutor("vm", DefaultDockerPolicy()); err == nil {
		t.Error("unknown isolation should fail")
	}
	bad := DefaultDockerPolicy()
	bad.Image = "python:3.12-slim"
	if _, err := NewExecutor("docker", bad); err == nil {
		t.Error("image outside allowlist should fail")
	}
}

func TestDockerArgs(t *testing.T) {
	d, err := NewDockerExecutor(DefaultDockerPolicy())
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Join(d.args("streamcoder-x", ExecutionLimits{MaxMemoryMB: 64}), " ")
	for _, want := range []string{"--network=none", "--memory 64m", "--name streamcoder-x", "streamcoder:latest sandbox-exec --report-stderr"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestReportLine(t *testing.T) {
	if got := reportLine("warning\n{\"status\":\"succeeded\"}\n"); string(got) != `{"status":"succeeded"}` {
		t.Errorf("reportLine = %q", got)
	}
	if got := reportLine("fatal error: runtime: out of memory\n"); got != nil {
		t.Errorf("reportLine = %q, want nil", got)
	}
}
