package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/reasonance-lab/streamcoder/internal/program"
)

const (
	// maxStderrBytes caps diagnostics read back from the child.
	maxStderrBytes = 64 << 10
	maxReportBytes = 1 << 20

	// runtimeHeadroomMB is address space granted to the child beyond its
	// heap cap for the Go runtime's own reservations. The child enforces
	// the heap cap itself; the ulimit only catches what that misses.
	runtimeHeadroomMB = 1024

	// ChildCommand is the host subcommand a ProcessExecutor re-executes.
	ChildCommand = "sandbox-exec"
)

// ProcessExecutor runs each program in a separate OS process: the host
// binary re-executed with the sandbox-exec subcommand.
//
// The child runs in its own process group with an empty environment. It
// enforces the heap cap itself, and ulimit sets a virtual memory backstop.
// The whole group is killed on timeout or cancellation. The program travels
// on stdin, printed output comes back on stdout and the child's verdict as
// JSON on fd 3.
type ProcessExecutor struct {
	binary string
	args   []string
}

// NewProcessExecutor returns an executor that starts binary with args. An
// empty binary means the running executable with ChildCommand.
func NewProcessExecutor(binary string, args ...string) (*ProcessExecutor, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating host binary: %w", err)
		}
		binary = self
		args = []string{ChildCommand}
	}
	return &ProcessExecutor{binary: binary, args: args}, nil
}

func (p *ProcessExecutor) Name() string { return "process" }

// Execute runs prog in a child process.
func (p *ProcessExecutor) Execute(ctx context.Context, prog *program.Rewritten, limits ExecutionLimits) *ExecutionResult {
	res := &ExecutionResult{
		RunID:         uuid.New().String(),
		Isolation:     p.Name(),
		PolicyVersion: prog.PolicyVersion,
		StartedAt:     time.Now().UTC(),
	}

	payload, err := json.Marshal(newChildRequest(prog, limits))
	if err != nil {
		return internalFailure(res, "encoding sandbox request: %v", err)
	}

	runCtx := ctx
	if limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.MaxDuration)
		defer cancel()
	}

	tmpDir, err := os.MkdirTemp("", "streamcoder-sandbox-*")
	if err != nil {
		return internalFailure(res, "creating sandbox temp dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Printf("sandbox: removing %s: %v", tmpDir, err)
		}
	}()

	cmd := p.command(runCtx, limits)
	cmd.Dir = tmpDir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	stdout := newCappedBuffer(limits.MaxOutputBytes).observed(ctx)
	stderr := newCappedBuffer(maxStderrBytes)
	cmd.Stdin = strings.NewReader(string(payload))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return internalFailure(res, "creating report pipe: %v", err)
	}
	defer reportR.Close()
	cmd.ExtraFiles = []*os.File{reportW}

	if err := cmd.Start(); err != nil {
		reportW.Close()
		return internalFailure(res, "starting sandbox process: %v", err)
	}
	reportW.Close()

	reportCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(reportR, maxReportBytes))
		reportCh <- data
	}()

	waitErr := cmd.Wait()
	res.Output = stdout.String()
	res.Truncated = stdout.Truncated()
	return collect(res, ctx, runCtx, waitErr, <-reportCh, stderr.String(), limits)
}

// collect completes res once a child has exited. Cancellation and timeout
// take precedence over whatever the child reported.
func collect(res *ExecutionResult, ctx, runCtx context.Context, waitErr error, report []byte, stderr string, limits ExecutionLimits) *ExecutionResult {
	res.Duration = time.Since(res.StartedAt)

	switch {
	case ctx.Err() != nil:
		res.Status = StatusFailed
		res.Partial = true
		res.Error = &ErrorDetail{Kind: KindCancelled, Message: "execution cancelled"}
		return res
	case runCtx.Err() != nil:
		res.Status = StatusTimedOut
		res.Partial = true
		res.Error = &ErrorDetail{Kind: KindTimedOut, Message: fmt.Sprintf("execution exceeded %s", limits.MaxDuration)}
		return res
	}

	if len(report) > 0 {
		var r childReport
		if err := json.Unmarshal(report, &r); err != nil {
			res.Status = StatusFailed
			res.Error = &ErrorDetail{Kind: KindInternal, Message: fmt.Sprintf("decoding sandbox report: %v", err)}
			return res
		}
		res.Status = r.Status
		res.Error = r.Error
		res.Steps = r.Steps
		res.Partial = r.Partial
		return res
	}

	// No report: the child died before it could write one.
	res.Status = StatusFailed
	res.Partial = true
	diag := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	isExit := errors.As(waitErr, &exitErr)
	if isOutOfMemory(diag) || (isExit && exitErr.ExitCode() == 137 && limits.MaxMemoryMB > 0) {
		res.Error = &ErrorDetail{Kind: KindResourceExceeded, Message: fmt.Sprintf("memory limit of %d MB exceeded", limits.MaxMemoryMB)}
		return res
	}
	if isExit {
		res.Error = &ErrorDetail{Kind: KindInternal, Message: fmt.Sprintf("sandbox process exited with code %d: %s", exitErr.ExitCode(), lastLine(diag))}
		return res
	}
	res.Error = &ErrorDetail{Kind: KindInternal, Message: fmt.Sprintf("sandbox process: %v", waitErr)}
	return res
}

func internalFailure(res *ExecutionResult, format string, args ...any) *ExecutionResult {
	res.Status = StatusFailed
	res.Duration = time.Since(res.StartedAt)
	res.Error = &ErrorDetail{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
	return res
}

// command wraps the child in a shell that applies the memory cap. The
// child argv is passed positionally and never interpolated.
func (p *ProcessExecutor) command(ctx context.Context, limits ExecutionLimits) *exec.Cmd {
	if limits.MaxMemoryMB <= 0 {
		return exec.CommandContext(ctx, p.binary, p.args...)
	}
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", (limits.MaxMemoryMB+runtimeHeadroomMB)*1024)
	args := make([]string, 0, 4+len(p.args))
	args = append(args, "-c", script, "_", p.binary)
	args = append(args, p.args...)
	return exec.CommandContext(ctx, "/bin/sh", args...)
}

func isOutOfMemory(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "out of memory") ||
		strings.Contains(s, "cannot allocate memory") ||
		strings.Contains(s, "cannot reserve arena")
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
