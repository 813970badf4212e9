package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/program"
)

// childRequest is what the parent sends on the child's stdin. Capabilities
// are not serializable, so the child rebuilds them from the grants.
type childRequest struct {
	Filename      string            `json:"filename"`
	Text          string            `json:"text"`
	Bindings      []program.Binding `json:"bindings"`
	PolicyVersion string            `json:"policy_version"`
	MaxSteps      uint64            `json:"max_steps"`
	MaxMemoryMB   int               `json:"max_memory_mb"`
}

func newChildRequest(prog *program.Rewritten, limits ExecutionLimits) childRequest {
	return childRequest{
		Filename:      prog.Filename,
		Text:          prog.Text,
		Bindings:      prog.Bindings,
		PolicyVersion: prog.PolicyVersion,
		MaxSteps:      limits.MaxSteps,
		MaxMemoryMB:   limits.MaxMemoryMB,
	}
}

// childReport is the child's verdict, written to fd 3.
type childReport struct {
	Status  Status       `json:"status"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Steps   uint64       `json:"steps"`
	Partial bool         `json:"partial,omitempty"`
}

// RunChild is the body of the sandbox-exec subcommand. It reads one request
// from stdin, runs it in-process streaming printed lines to stdout, and
// writes the report to report. The wall clock is enforced by the parent; the
// heap cap is enforced here, with the parent's address-space limit as a
// backstop.
func RunChild(stdin io.Reader, stdout, report io.Writer, catalog *policy.Catalog) error {
	var req childRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decoding sandbox request: %w", err)
	}

	bindings := make([]program.Binding, len(req.Bindings))
	for i, b := range req.Bindings {
		v, err := catalog.Capability(b.Request, b.Grant)
		if err != nil {
			return fmt.Errorf("rebuilding import slot %d: %w", b.Slot, err)
		}
		b.Capability = v
		bindings[i] = b
	}

	prog := &program.Rewritten{
		Filename:      req.Filename,
		Text:          req.Text,
		Bindings:      bindings,
		PolicyVersion: req.PolicyVersion,
	}

	out := bufio.NewWriter(stdout)
	res := NewInterpreter().run(context.Background(), prog, ExecutionLimits{MaxSteps: req.MaxSteps, MaxMemoryMB: req.MaxMemoryMB}, &flushWriter{w: out})
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}

	return json.NewEncoder(report).Encode(childReport{
		Status:  res.Status,
		Error:   res.Error,
		Steps:   res.Steps,
		Partial: res.Partial,
	})
}

// flushWriter flushes after every printed line so the parent keeps the
// output produced before a kill.
type flushWriter struct {
	w *bufio.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
