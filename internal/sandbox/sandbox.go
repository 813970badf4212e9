package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/rewrite"
)

// Status is the terminal state of one run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDenied    Status = "denied"
)

// ErrorKind classifies why a run did not succeed.
type ErrorKind string

const (
	KindPolicyViolation   ErrorKind = "policy_violation"
	KindParseError        ErrorKind = "parse_error"
	KindUncaughtException ErrorKind = "uncaught_exception"
	KindTimedOut          ErrorKind = "timed_out"
	KindResourceExceeded  ErrorKind = "resource_exceeded"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal_error"
)

// ErrorDetail is present on every result whose status is not succeeded.
type ErrorDetail struct {
	Kind      ErrorKind        `json:"kind"`
	Message   string           `json:"message"`
	Line      int              `json:"line,omitempty"`
	Col       int              `json:"col,omitempty"`
	Traceback string           `json:"traceback,omitempty"`
	Denials   []rewrite.Denial `json:"denials,omitempty"`
}

// ExecutionResult is the immutable report of one submission.
type ExecutionResult struct {
	RunID         string        `json:"run_id"`
	Status        Status        `json:"status"`
	Output        string        `json:"output"`
	Truncated     bool          `json:"truncated,omitempty"`
	Partial       bool          `json:"partial,omitempty"`
	Error         *ErrorDetail  `json:"error,omitempty"`
	Steps         uint64        `json:"steps,omitempty"`
	Isolation     string        `json:"isolation,omitempty"`
	PolicyVersion string        `json:"policy_version,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Succeeded reports whether the run completed normally.
func (r *ExecutionResult) Succeeded() bool { return r.Status == StatusSucceeded }

// Summary is a one-line description for logs and listings.
func (r *ExecutionResult) Summary() string {
	if r.Error == nil {
		return fmt.Sprintf("%s in %s", r.Status, r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s (%s): %s", r.Status, r.Error.Kind, r.Error.Message)
}

// ExecutionLimits bound a single run. Zero values mean no limit.
//
// MaxMemoryMB caps heap growth during the run. The interpreter samples the
// host heap, so concurrent in-process runs share one budget; the process
// and docker executors give each run its own.
type ExecutionLimits struct {
	MaxDuration    time.Duration `json:"max_duration"`
	MaxOutputBytes int           `json:"max_output_bytes"`
	MaxSteps       uint64        `json:"max_steps"`
	MaxMemoryMB    int           `json:"max_memory_mb"`
}

// DefaultLimits returns conservative limits for interactive use. There is
// no step cap: a CPU-bound program is stopped by the wall clock and reports
// timed_out.
func DefaultLimits() ExecutionLimits {
	return ExecutionLimits{
		MaxDuration:    10 * time.Second,
		MaxOutputBytes: 64 << 10,
		MaxMemoryMB:    256,
	}
}

// Executor runs a rewritten program under limits. Failures of the program
// are reported in the result, never returned.
type Executor interface {
	Name() string
	Execute(ctx context.Context, prog *program.Rewritten, limits ExecutionLimits) *ExecutionResult
}

// Denied builds the result stored for a program rejected by the policy.
func Denied(runID string, pv *rewrite.PolicyViolation, policyVersion string) *ExecutionResult {
	return &ExecutionResult{
		RunID:         runID,
		Status:        StatusDenied,
		PolicyVersion: policyVersion,
		StartedAt:     time.Now().UTC(),
		Error: &ErrorDetail{
			Kind:    KindPolicyViolation,
			Message: pv.Error(),
			Line:    pv.Denials[0].Line,
			Denials: pv.Denials,
		},
	}
}

// ParseFailure builds the result stored for a program that did not compile.
func ParseFailure(runID string, pe *rewrite.ParseError, policyVersion string) *ExecutionResult {
	return &ExecutionResult{
		RunID:         runID,
		Status:        StatusFailed,
		PolicyVersion: policyVersion,
		StartedAt:     time.Now().UTC(),
		Error: &ErrorDetail{
			Kind:    KindParseError,
			Message: pe.Msg,
			Line:    pe.Line,
			Col:     pe.Col,
		},
	}
}

// NewExecutor returns the executor for an isolation name: interpreter,
// process or docker.
func NewExecutor(isolation string, docker DockerPolicy) (Executor, error) {
	switch isolation {
	case "", "interpreter":
		return NewInterpreter(), nil
	case "process":
		p, err := NewProcessExecutor("")
		if err != nil {
			return nil, err
		}
		return p, nil
	case "docker":
		d, err := NewDockerExecutor(docker)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown sandbox isolation %q", isolation)
	}
}
