package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reasonance-lab/streamcoder/internal/program"
)

// DockerExecutor runs each program in a throwaway container started from an
// image that carries the streamcoder binary. The child writes its report as
// the last line of stderr since docker only forwards the standard streams.
type DockerExecutor struct {
	Policy DockerPolicy
}

// NewDockerExecutor creates a container executor with the given policy.
func NewDockerExecutor(policy DockerPolicy) (*DockerExecutor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &DockerExecutor{Policy: policy}, nil
}

func (d *DockerExecutor) Name() string { return "docker" }

func (d *DockerExecutor) Execute(ctx context.Context, prog *program.Rewritten, limits ExecutionLimits) *ExecutionResult {
	res := &ExecutionResult{
		RunID:         uuid.New().String(),
		Isolation:     d.Name(),
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

	name := "streamcoder-" + res.RunID
	cmd := exec.CommandContext(runCtx, "docker", d.args(name, limits)...)
	cmd.Cancel = func() error {
		// Killing the CLI does not stop the container.
		exec.Command("docker", "kill", name).Run()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := newCappedBuffer(limits.MaxOutputBytes).observed(ctx)
	stderr := newCappedBuffer(maxStderrBytes)
	cmd.Stdin = strings.NewReader(string(payload))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return internalFailure(res, "running docker: %v", err)
	}
	waitErr := cmd.Wait()

	res.Output = stdout.String()
	res.Truncated = stdout.Truncated()
	diag := stderr.String()
	return collect(res, ctx, runCtx, waitErr, reportLine(diag), diag, limits)
}

func (d *DockerExecutor) args(name string, limits ExecutionLimits) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "16",
	}
	if limits.MaxMemoryMB > 0 {
		mem := fmt.Sprintf("%dm", limits.MaxMemoryMB)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if d.Policy.CPUs != "" {
		args = append(args, "--cpus", d.Policy.CPUs)
	}
	if !d.Policy.Network {
		args = append(args, "--network=none")
	}
	args = append(args, "--entrypoint", d.Policy.Binary, d.Policy.Image, ChildCommand, "--report-stderr")
	return args
}

// reportLine extracts the JSON report from the last non-empty stderr line.
func reportLine(stderr string) []byte {
	line := strings.TrimSpace(lastLine(strings.TrimRight(stderr, "\n")))
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	return []byte(line)
}
